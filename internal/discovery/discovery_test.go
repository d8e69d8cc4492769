package discovery

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	apperrors "nearshare/internal/errors"
	"nearshare/internal/testutil/testlog"
)

var (
	fullID = []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	selfID = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	addr   = netip.MustParseAddrPort("192.0.2.10:37149")
)

func TestTableCoalescesBeaconIntoNetworkRecord(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(selfID, time.Minute)

	ev, ok := tbl.Observe(Observation{ID: fullID[:TruncatedIDLen], DeviceType: "phone", Source: SourceBeacon})
	if !ok || ev.Kind != EndpointDiscovered || ev.Endpoint.Connectable() {
		t.Fatalf("beacon sighting got=%+v ok=%v", ev, ok)
	}

	ev, ok = tbl.Observe(Observation{ID: fullID, Name: "B", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})
	if !ok || ev.Kind != EndpointUpdated {
		t.Fatalf("network sighting got=%+v ok=%v", ev, ok)
	}
	if !bytes.Equal(ev.Replaces, fullID[:TruncatedIDLen]) {
		t.Fatalf("replaces got=%x", ev.Replaces)
	}
	if ev.Endpoint.Source != SourceBeacon|SourceNetwork || ev.Endpoint.DeviceType != "phone" {
		t.Fatalf("merged endpoint got=%+v", ev.Endpoint)
	}
	if n := len(tbl.Snapshot()); n != 1 {
		t.Fatalf("expected one entry, got %d", n)
	}

	// Later beacons refresh the merged record without creating a new one.
	if _, ok := tbl.Observe(Observation{ID: fullID[:TruncatedIDLen], Source: SourceBeacon}); ok {
		t.Fatalf("plain refresh should not emit")
	}
	if n := len(tbl.Snapshot()); n != 1 {
		t.Fatalf("expected one entry after refresh, got %d", n)
	}
}

func TestTableRefreshUpdatesAddresses(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(selfID, time.Minute)
	tbl.Observe(Observation{ID: fullID, Name: "B", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})
	moved := netip.MustParseAddrPort("192.0.2.11:37149")
	ev, ok := tbl.Observe(Observation{ID: fullID, Name: "B", Addrs: []netip.AddrPort{moved}, Source: SourceNetwork})
	if !ok || ev.Kind != EndpointUpdated || ev.Endpoint.Addrs[0] != moved {
		t.Fatalf("address refresh got=%+v ok=%v", ev, ok)
	}
	got, ok := tbl.Lookup(fullID)
	if !ok || got.Addrs[0] != moved {
		t.Fatalf("lookup got=%+v", got)
	}
	got.Addrs[0] = addr
	again, _ := tbl.Lookup(fullID)
	if again.Addrs[0] != moved {
		t.Fatalf("lookup leaked table storage")
	}
}

func TestTableIgnoresSelf(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(selfID, time.Minute)
	if _, ok := tbl.Observe(Observation{ID: selfID, Source: SourceNetwork, Addrs: []netip.AddrPort{addr}}); ok {
		t.Fatalf("own network record should be ignored")
	}
	if _, ok := tbl.Observe(Observation{ID: selfID[:TruncatedIDLen], Source: SourceBeacon}); ok {
		t.Fatalf("own beacon should be ignored")
	}
}

func TestTableSweepExpires(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1000, 0)
	tbl := NewTable(selfID, 30*time.Second)
	tbl.now = func() time.Time { return now }
	tbl.Observe(Observation{ID: fullID, Name: "B", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})

	now = now.Add(29 * time.Second)
	if lost := tbl.Sweep(); len(lost) != 0 {
		t.Fatalf("expired too early: %+v", lost)
	}
	now = now.Add(2 * time.Second)
	lost := tbl.Sweep()
	if len(lost) != 1 || lost[0].Kind != EndpointLost {
		t.Fatalf("expected one lost event, got %+v", lost)
	}
	if len(tbl.Snapshot()) != 0 {
		t.Fatalf("table not empty after sweep")
	}
}

func TestTableFind(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(selfID, time.Minute)
	tbl.Observe(Observation{ID: fullID, Name: "Living Room", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})
	for _, q := range []string{"living room", "aabbcc", "AABBCCDDEEFF0102030405060708090a"} {
		if _, err := tbl.Find(q); err != nil {
			t.Fatalf("find %q: %v", q, err)
		}
	}
	if _, err := tbl.Find("kitchen"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("kitchen err=%v", err)
	}
}

func TestTableFindAmbiguous(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(selfID, time.Minute)
	twin := bytes.Clone(fullID)
	twin[15] = 0xff
	named := bytes.Clone(fullID)
	named[0] = 0x12
	tbl.Observe(Observation{ID: fullID, Name: "TV", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})
	tbl.Observe(Observation{ID: twin, Name: "TV", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})
	tbl.Observe(Observation{ID: named, Name: "aabb", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork})

	if _, err := tbl.Find("tv"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("duplicate name err=%v", err)
	}
	// Two ids share the prefix, but one device is literally named so.
	ep, err := tbl.Find("aabb")
	if err != nil || !bytes.Equal(ep.ID, named) {
		t.Fatalf("exact name got=%x err=%v", ep.ID, err)
	}
	if _, err := tbl.Find("aabbcc"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("shared prefix err=%v", err)
	}
	ep, err = tbl.Find(hexString(twin))
	if err != nil || !bytes.Equal(ep.ID, twin) {
		t.Fatalf("full id got=%x err=%v", ep.ID, err)
	}
}

func hexString(b []byte) string { return Endpoint{ID: b}.IDString() }

func TestAdvertisementRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := advertisementFor(Self{ID: fullID, DeviceType: "laptop", Port: 37149})
	raw, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(raw) != advertisementLen {
		t.Fatalf("length got=%d", len(raw))
	}
	var out Advertisement
	if err := out.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in || !out.Visible || !out.ReceiveCapable || deviceTypeName(out.DeviceType) != "laptop" {
		t.Fatalf("advertisement got=%+v want=%+v", out, in)
	}
	if !bytes.Equal(out.TruncatedID[:], fullID[:TruncatedIDLen]) {
		t.Fatalf("truncated id got=%x", out.TruncatedID)
	}
}

func TestAdvertisementRejectsForeign(t *testing.T) {
	testlog.Start(t)
	raw, _ := advertisementFor(Self{ID: fullID}).MarshalBinary()
	raw[0] ^= 0xff
	var adv Advertisement
	if err := adv.UnmarshalBinary(raw); !errors.Is(err, ErrBadAdvertisement) {
		t.Fatalf("expected ErrBadAdvertisement, got %v", err)
	}
	if err := adv.UnmarshalBinary(raw[:10]); !errors.Is(err, ErrBadAdvertisement) {
		t.Fatalf("expected ErrBadAdvertisement for short, got %v", err)
	}
}

func TestObservationFromServiceEntry(t *testing.T) {
	testlog.Start(t)
	entry := zeroconf.NewServiceEntry("aabb", ServiceType, ServiceDomain)
	entry.Port = 37149
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.0.2.10")}
	entry.Text = txtRecords(Self{ID: fullID, Name: "B", DeviceType: "phone"})

	obs, ok := observationFromEntry(entry)
	if !ok {
		t.Fatalf("entry rejected")
	}
	if !bytes.Equal(obs.ID, fullID) || obs.Name != "B" || obs.DeviceType != "phone" {
		t.Fatalf("observation got=%+v", obs)
	}
	if len(obs.Addrs) != 1 || obs.Addrs[0] != addr {
		t.Fatalf("addrs got=%v", obs.Addrs)
	}

	entry.Text = []string{"n=B"}
	if _, ok := observationFromEntry(entry); ok {
		t.Fatalf("entry without id should be dropped")
	}
}

type fakeChannel struct {
	name      string
	browseErr error
	sightings []Observation

	mu         sync.Mutex
	advertised int
	browses    int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Advertise(ctx context.Context, _ Self) error {
	f.mu.Lock()
	f.advertised++
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Browse(ctx context.Context, sink func(Observation)) error {
	f.mu.Lock()
	f.browses++
	f.mu.Unlock()
	if f.browseErr != nil {
		return f.browseErr
	}
	for _, o := range f.sightings {
		sink(o)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertised, f.browses
}

func TestManagerDegradesFailingChannelOnly(t *testing.T) {
	testlog.Start(t)
	broken := &fakeChannel{name: "beacon", browseErr: errors.New("no multicast")}
	healthy := &fakeChannel{name: "mdns", sightings: []Observation{
		{ID: fullID, Name: "B", Addrs: []netip.AddrPort{addr}, Source: SourceNetwork},
	}}

	events := make(chan Event, 4)
	degraded := make(chan error, 1)
	m := NewManager(Config{
		Self:        Self{ID: selfID, Name: "A", Port: 1},
		Visible:     true,
		Channels:    []Channel{broken, healthy},
		RetryWindow: 200 * time.Millisecond,
		OnEvent:     func(ev Event) { events <- ev },
		OnDegraded:  func(_ string, err error) { degraded <- err },
	})
	m.Start(context.Background())
	defer m.Stop()

	select {
	case ev := <-events:
		if ev.Kind != EndpointDiscovered || ev.Endpoint.Name != "B" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("healthy channel produced no event")
	}
	select {
	case err := <-degraded:
		if !errors.Is(err, apperrors.Kind(apperrors.ErrDiscovery)) {
			t.Fatalf("expected discovery error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("broken channel never reported degraded")
	}
	if _, browses := broken.counts(); browses < 2 {
		t.Fatalf("expected browse retries, got %d", browses)
	}
	if len(m.Endpoints()) != 1 {
		t.Fatalf("endpoint missing from table")
	}
}

func TestManagerVisibilityRestartsAdvertising(t *testing.T) {
	testlog.Start(t)
	ch := &fakeChannel{name: "mdns"}
	m := NewManager(Config{Self: Self{ID: selfID, Port: 1}, Visible: false, Channels: []Channel{ch}})
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	if adv, _ := ch.counts(); adv != 0 {
		t.Fatalf("invisible device advertised")
	}
	m.SetVisibility(true)
	deadline := time.Now().Add(time.Second)
	for {
		if adv, _ := ch.counts(); adv == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("advertising did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.SetVisibility(false)
	m.SetVisibility(true)
	deadline = time.Now().Add(time.Second)
	for {
		if adv, _ := ch.counts(); adv == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("advertising did not restart")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
