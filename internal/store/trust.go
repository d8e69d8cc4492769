package store

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TrustedPeer is a device whose verification code a person confirmed once.
// It is recognised again only by the long-term key it proved in that
// handshake; the device id is kept for display.
type TrustedPeer struct {
	IdentityKey string
	DeviceID    string
	Name        string
	TrustedAt   time.Time
}

// TrustStore answers "is this endpoint pre-trusted?". Entries live for the
// lifetime of the process.
type TrustStore struct {
	mu    sync.Mutex
	peers map[string]*TrustedPeer
	now   func() time.Time
}

func NewTrustStore() *TrustStore {
	return &TrustStore{
		peers: make(map[string]*TrustedPeer),
		now:   time.Now,
	}
}

func key(identity ed25519.PublicKey) (string, error) {
	if len(identity) != ed25519.PublicKeySize {
		return "", fmt.Errorf("store: identity key has length %d", len(identity))
	}
	return hex.EncodeToString(identity), nil
}

// IsTrusted reports whether identity was trusted before. Callers must pass
// a key the peer proved it holds, never one it merely announced.
func (ts *TrustStore) IsTrusted(identity ed25519.PublicKey) bool {
	k, err := key(identity)
	if err != nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.peers[k]
	return ok
}

// Trust records identity. Trusting a known key refreshes its device id and
// name.
func (ts *TrustStore) Trust(identity ed25519.PublicKey, deviceID []byte, name string) error {
	k, err := key(identity)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if p, ok := ts.peers[k]; ok {
		p.DeviceID = hex.EncodeToString(deviceID)
		p.Name = name
		return nil
	}
	ts.peers[k] = &TrustedPeer{
		IdentityKey: k,
		DeviceID:    hex.EncodeToString(deviceID),
		Name:        name,
		TrustedAt:   ts.now(),
	}
	return nil
}

func (ts *TrustStore) Forget(identity ed25519.PublicKey) error {
	k, err := key(identity)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.peers[k]; !ok {
		return fmt.Errorf("store: key %s is not trusted", k)
	}
	delete(ts.peers, k)
	return nil
}

// Peers lists trusted devices ordered by the time they were trusted.
func (ts *TrustStore) Peers() []TrustedPeer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]TrustedPeer, 0, len(ts.peers))
	for _, p := range ts.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrustedAt.Before(out[j].TrustedAt) })
	return out
}
