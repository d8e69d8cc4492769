package discovery

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

type EventKind int

const (
	EndpointDiscovered EventKind = iota
	EndpointUpdated
	EndpointLost
)

func (k EventKind) String() string {
	switch k {
	case EndpointDiscovered:
		return "endpoint-discovered"
	case EndpointUpdated:
		return "endpoint-updated"
	case EndpointLost:
		return "endpoint-lost"
	default:
		return "unknown"
	}
}

// Event is a change in the endpoint table. Replaces is set when a beacon-only
// entry was merged into a full network record.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Replaces []byte
}

// Table holds discovered endpoints keyed by hex id. All methods are safe for
// concurrent use.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*Endpoint
	selfID   []byte
	liveness time.Duration
	now      func() time.Time
}

func NewTable(selfID []byte, liveness time.Duration) *Table {
	return &Table{
		entries:  make(map[string]*Endpoint),
		selfID:   bytes.Clone(selfID),
		liveness: liveness,
		now:      time.Now,
	}
}

func prefixMatch(full, truncated []byte) bool {
	return len(truncated) > 0 && len(full) >= len(truncated) && bytes.Equal(full[:len(truncated)], truncated)
}

func (t *Table) isSelf(id []byte) bool {
	if len(t.selfID) == 0 {
		return false
	}
	if len(id) <= TruncatedIDLen {
		return prefixMatch(t.selfID, id)
	}
	return bytes.Equal(t.selfID, id)
}

// Observe folds one sighting into the table. ok is false when nothing a
// consumer cares about changed (a plain last-seen refresh).
func (t *Table) Observe(o Observation) (Event, bool) {
	if len(o.ID) == 0 {
		return Event{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isSelf(o.ID) {
		return Event{}, false
	}
	now := t.now()

	if len(o.ID) <= TruncatedIDLen {
		for _, e := range t.entries {
			if prefixMatch(e.ID, o.ID) {
				return t.refresh(e, o, now)
			}
		}
	} else {
		key := hex.EncodeToString(o.ID)
		if e, ok := t.entries[key]; ok {
			return t.refresh(e, o, now)
		}
		for k, e := range t.entries {
			if e.Truncated() && prefixMatch(o.ID, e.ID) {
				delete(t.entries, k)
				merged := &Endpoint{
					ID:         bytes.Clone(o.ID),
					Name:       o.Name,
					DeviceType: firstNonEmpty(o.DeviceType, e.DeviceType),
					Addrs:      slices.Clone(o.Addrs),
					LastSeen:   now,
					Source:     e.Source | o.Source,
				}
				t.entries[key] = merged
				return Event{Kind: EndpointUpdated, Endpoint: merged.clone(), Replaces: bytes.Clone(e.ID)}, true
			}
		}
	}

	e := &Endpoint{
		ID:         bytes.Clone(o.ID),
		Name:       o.Name,
		DeviceType: o.DeviceType,
		Addrs:      slices.Clone(o.Addrs),
		LastSeen:   now,
		Source:     o.Source,
	}
	t.entries[hex.EncodeToString(o.ID)] = e
	return Event{Kind: EndpointDiscovered, Endpoint: e.clone()}, true
}

func (t *Table) refresh(e *Endpoint, o Observation, now time.Time) (Event, bool) {
	e.LastSeen = now
	changed := false
	if e.Source|o.Source != e.Source {
		e.Source |= o.Source
		changed = true
	}
	if o.Name != "" && o.Name != e.Name {
		e.Name = o.Name
		changed = true
	}
	if o.DeviceType != "" && o.DeviceType != e.DeviceType {
		e.DeviceType = o.DeviceType
		changed = true
	}
	if len(o.Addrs) > 0 && !slices.Equal(o.Addrs, e.Addrs) {
		e.Addrs = slices.Clone(o.Addrs)
		changed = true
	}
	if !changed {
		return Event{}, false
	}
	return Event{Kind: EndpointUpdated, Endpoint: e.clone()}, true
}

// Sweep removes entries not seen within the liveness window.
func (t *Table) Sweep() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.liveness)
	var lost []Event
	for k, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			delete(t.entries, k)
			lost = append(lost, Event{Kind: EndpointLost, Endpoint: e.clone()})
		}
	}
	return lost
}

// Snapshot returns a copy of every entry ordered by name then id.
func (t *Table) Snapshot() []Endpoint {
	t.mu.Lock()
	out := make([]Endpoint, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.clone())
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Endpoint) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return bytes.Compare(a.ID, b.ID)
	})
	return out
}

// Lookup finds an endpoint by exact id.
func (t *Table) Lookup(id []byte) (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hex.EncodeToString(id)]
	if !ok {
		return Endpoint{}, false
	}
	return e.clone(), true
}

var (
	ErrNoMatch   = errors.New("discovery: no endpoint matches")
	ErrAmbiguous = errors.New("discovery: query matches more than one endpoint")
)

// Find resolves a user query. A full hex id wins, then an exact device
// name, then a hex id prefix. A name or prefix shared by several endpoints
// is ambiguous rather than resolved arbitrarily.
func (t *Table) Find(query string) (Endpoint, error) {
	name := strings.TrimSpace(query)
	q := strings.ToLower(name)
	if q == "" {
		return Endpoint{}, ErrNoMatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[q]; ok {
		return e.clone(), nil
	}
	var byName, byPrefix []Endpoint
	for k, e := range t.entries {
		if strings.EqualFold(e.Name, name) {
			byName = append(byName, e.clone())
		}
		if strings.HasPrefix(k, q) {
			byPrefix = append(byPrefix, e.clone())
		}
	}
	for _, matches := range [][]Endpoint{byName, byPrefix} {
		switch len(matches) {
		case 0:
		case 1:
			return matches[0], nil
		default:
			ids := make([]string, len(matches))
			for i, m := range matches {
				ids[i] = m.IDString()
			}
			slices.Sort(ids)
			return Endpoint{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguous, name, strings.Join(ids, ", "))
		}
	}
	return Endpoint{}, ErrNoMatch
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
