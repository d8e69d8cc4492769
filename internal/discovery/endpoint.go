package discovery

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/netip"
	"slices"
	"time"
)

// Source records which channels have seen an endpoint.
type Source uint8

const (
	SourceBeacon Source = 1 << iota
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceBeacon:
		return "beacon"
	case SourceNetwork:
		return "network"
	case SourceBeacon | SourceNetwork:
		return "beacon+network"
	default:
		return "none"
	}
}

// TruncatedIDLen is the id prefix carried by beacons.
const TruncatedIDLen = 6

// Endpoint is a remote device as currently known to the table. Values
// handed out are copies; the table keeps its own.
type Endpoint struct {
	ID         []byte
	Name       string
	DeviceType string
	Addrs      []netip.AddrPort
	LastSeen   time.Time
	Source     Source
}

// Connectable reports whether a transport address is known.
func (e Endpoint) Connectable() bool { return len(e.Addrs) > 0 }

// IDString is the lowercase hex form of ID.
func (e Endpoint) IDString() string { return hex.EncodeToString(e.ID) }

// Truncated reports whether only a beacon id prefix is known.
func (e Endpoint) Truncated() bool { return len(e.ID) <= TruncatedIDLen }

func (e Endpoint) clone() Endpoint {
	e.ID = bytes.Clone(e.ID)
	e.Addrs = slices.Clone(e.Addrs)
	return e
}

// Observation is one sighting reported by a channel.
type Observation struct {
	ID         []byte
	Name       string
	DeviceType string
	Addrs      []netip.AddrPort
	Source     Source
}

// Self describes the local device for advertising.
type Self struct {
	ID         []byte
	Name       string
	DeviceType string
	Port       uint16
}

// Channel is one discovery medium. Advertise and Browse block until ctx is
// done; a non-nil error means the channel could not run.
type Channel interface {
	Name() string
	Advertise(ctx context.Context, self Self) error
	Browse(ctx context.Context, sink func(Observation)) error
}

// Device type codes used on the beacon.
const (
	deviceUnknown uint8 = iota
	devicePhone
	deviceTablet
	deviceLaptop
	deviceDesktop
)

var deviceTypeNames = map[uint8]string{
	deviceUnknown: "unknown",
	devicePhone:   "phone",
	deviceTablet:  "tablet",
	deviceLaptop:  "laptop",
	deviceDesktop: "desktop",
}

func deviceTypeCode(name string) uint8 {
	for code, n := range deviceTypeNames {
		if n == name {
			return code
		}
	}
	return deviceUnknown
}

func deviceTypeName(code uint8) string {
	if n, ok := deviceTypeNames[code]; ok {
		return n
	}
	return deviceTypeNames[deviceUnknown]
}
