package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"nearshare/internal/logging"
)

// BeaconService identifies nearshare advertisements on the beacon medium.
var BeaconService = uuid.MustParse("fc9f5ed4-2c8a-4e71-9b3d-6a0c51e2d7a4")

const advertisementLen = 16 + 1 + 1 + 1 + TruncatedIDLen

const (
	beaconVersion      uint8 = 1
	flagVisible        uint8 = 0x01
	flagReceiveCapable uint8 = 0x02
)

var ErrBadAdvertisement = errors.New("discovery: malformed advertisement")

// Advertisement is the fixed-format beacon payload. It proves proximity
// only and carries no transport address.
type Advertisement struct {
	Version        uint8
	Visible        bool
	ReceiveCapable bool
	DeviceType     uint8
	TruncatedID    [TruncatedIDLen]byte
}

func (a Advertisement) MarshalBinary() ([]byte, error) {
	buf := make([]byte, advertisementLen)
	copy(buf[0:16], BeaconService[:])
	buf[16] = a.Version
	var flags uint8
	if a.Visible {
		flags |= flagVisible
	}
	if a.ReceiveCapable {
		flags |= flagReceiveCapable
	}
	buf[17] = flags
	buf[18] = a.DeviceType
	copy(buf[19:], a.TruncatedID[:])
	return buf, nil
}

func (a *Advertisement) UnmarshalBinary(b []byte) error {
	if len(b) != advertisementLen {
		return fmt.Errorf("%w: length %d", ErrBadAdvertisement, len(b))
	}
	if !bytes.Equal(b[0:16], BeaconService[:]) {
		return fmt.Errorf("%w: foreign service", ErrBadAdvertisement)
	}
	a.Version = b[16]
	a.Visible = b[17]&flagVisible != 0
	a.ReceiveCapable = b[17]&flagReceiveCapable != 0
	a.DeviceType = b[18]
	copy(a.TruncatedID[:], b[19:])
	return nil
}

func advertisementFor(self Self) Advertisement {
	a := Advertisement{
		Version:        beaconVersion,
		Visible:        true,
		ReceiveCapable: self.Port != 0,
		DeviceType:     deviceTypeCode(self.DeviceType),
	}
	copy(a.TruncatedID[:], self.ID)
	return a
}

// Multicast carries beacons on an IPv4 multicast group.
type Multicast struct {
	Group     netip.AddrPort
	Interval  time.Duration
	Interface *net.Interface
	log       zerolog.Logger
}

func NewMulticast(group string, interval time.Duration) (*Multicast, error) {
	ap, err := netip.ParseAddrPort(group)
	if err != nil {
		return nil, err
	}
	if !ap.Addr().Is4() || !ap.Addr().IsMulticast() {
		return nil, fmt.Errorf("discovery: %s is not an IPv4 multicast group", group)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Multicast{Group: ap, Interval: interval, log: logging.Component("beacon")}, nil
}

func (m *Multicast) Name() string { return "beacon" }

func (m *Multicast) groupAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(m.Group)
}

func (m *Multicast) Advertise(ctx context.Context, self Self) error {
	payload, err := advertisementFor(self).MarshalBinary()
	if err != nil {
		return err
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetMulticastLoopback(true)
	if m.Interface != nil {
		if err := pc.SetMulticastInterface(m.Interface); err != nil {
			return err
		}
	}

	dst := m.groupAddr()
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	m.log.Info().Str("group", m.Group.String()).Msg("beacon advertising")
	for {
		if _, err := pc.WriteTo(payload, nil, dst); err != nil {
			m.log.Debug().Err(err).Msg("beacon write")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Multicast) Browse(ctx context.Context, sink func(Observation)) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", m.Group.Port()))
	if err != nil {
		return err
	}
	defer conn.Close()
	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: m.groupAddr().IP}
	if err := m.join(pc, group); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, 512)
	for {
		n, _, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var adv Advertisement
		if err := adv.UnmarshalBinary(buf[:n]); err != nil {
			continue
		}
		if !adv.Visible || adv.Version != beaconVersion {
			continue
		}
		sink(Observation{
			ID:         append([]byte(nil), adv.TruncatedID[:]...),
			DeviceType: deviceTypeName(adv.DeviceType),
			Source:     SourceBeacon,
		})
	}
}

// join subscribes on the configured interface, or every multicast-capable
// interface that is up.
func (m *Multicast) join(pc *ipv4.PacketConn, group *net.UDPAddr) error {
	if m.Interface != nil {
		return pc.JoinGroup(m.Interface, group)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return fmt.Errorf("discovery: could not join %s on any interface", group.IP)
	}
	return nil
}
