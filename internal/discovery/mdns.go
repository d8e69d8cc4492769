package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"nearshare/internal/logging"
)

const (
	ServiceType   = "_FC9F5ED42C8A._tcp"
	ServiceDomain = "local."

	txtID      = "id"
	txtName    = "n"
	txtType    = "t"
	txtVersion = "v"
)

// MDNS registers and browses the DNS-SD service record.
type MDNS struct {
	Service string
	Domain  string
	log     zerolog.Logger
}

func NewMDNS() *MDNS {
	return &MDNS{Service: ServiceType, Domain: ServiceDomain, log: logging.Component("mdns")}
}

func (m *MDNS) Name() string { return "mdns" }

func txtRecords(self Self) []string {
	return []string{
		txtID + "=" + hex.EncodeToString(self.ID),
		txtName + "=" + self.Name,
		txtType + "=" + self.DeviceType,
		txtVersion + "=1",
	}
}

func (m *MDNS) Advertise(ctx context.Context, self Self) error {
	if self.Port == 0 {
		return fmt.Errorf("discovery: no listening port to advertise")
	}
	instance := hex.EncodeToString(self.ID)
	server, err := zeroconf.Register(instance, m.Service, m.Domain, int(self.Port), txtRecords(self), nil)
	if err != nil {
		return err
	}
	defer server.Shutdown()
	m.log.Info().Str("instance", instance).Uint16("port", self.Port).Msg("service registered")
	<-ctx.Done()
	return nil
}

func (m *MDNS) Browse(ctx context.Context, sink func(Observation)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func(results <-chan *zeroconf.ServiceEntry) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-results:
				if !ok {
					return
				}
				if obs, ok := observationFromEntry(entry); ok {
					sink(obs)
				} else {
					m.log.Debug().Str("instance", entry.Instance).Msg("ignoring service entry")
				}
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, m.Service, m.Domain, entries); err != nil {
		return err
	}
	<-ctx.Done()
	<-done
	return nil
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// observationFromEntry converts a resolved record. Entries without a
// parseable device id or any address are dropped.
func observationFromEntry(e *zeroconf.ServiceEntry) (Observation, bool) {
	if e == nil {
		return Observation{}, false
	}
	txt := parseTXT(e.Text)
	id, err := hex.DecodeString(txt[txtID])
	if err != nil || len(id) <= TruncatedIDLen {
		return Observation{}, false
	}
	if v := txt[txtVersion]; v != "" && v != "1" {
		return Observation{}, false
	}
	if e.Port <= 0 || e.Port > 0xffff {
		return Observation{}, false
	}
	var addrs []netip.AddrPort
	for _, ips := range [][]net.IP{e.AddrIPv4, e.AddrIPv6} {
		for _, ip := range ips {
			a, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, netip.AddrPortFrom(a.Unmap(), uint16(e.Port)))
		}
	}
	if len(addrs) == 0 {
		return Observation{}, false
	}
	return Observation{
		ID:         id,
		Name:       txt[txtName],
		DeviceType: txt[txtType],
		Addrs:      addrs,
		Source:     SourceNetwork,
	}, true
}
