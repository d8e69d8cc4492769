package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nearshare/internal/testutil/testlog"
)

func publicKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return pub
}

func TestTrustLifecycle(t *testing.T) {
	testlog.Start(t)
	ts := NewTrustStore()
	clock := time.Unix(100, 0)
	ts.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	a := publicKey(t)
	b := publicKey(t)

	if ts.IsTrusted(a) || ts.IsTrusted(nil) {
		t.Fatalf("nothing should be trusted yet")
	}
	if err := ts.Trust(a, []byte{1}, "Laptop"); err != nil {
		t.Fatalf("trust a: %v", err)
	}
	if err := ts.Trust(b, []byte{2}, "Phone"); err != nil {
		t.Fatalf("trust b: %v", err)
	}
	if err := ts.Trust(a, []byte{1}, "Work laptop"); err != nil {
		t.Fatalf("retrust a: %v", err)
	}
	peers := ts.Peers()
	if len(peers) != 2 || peers[0].Name != "Work laptop" || peers[1].Name != "Phone" {
		t.Fatalf("peers=%+v", peers)
	}
	if err := ts.Forget(a); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ts.IsTrusted(a) || !ts.IsTrusted(b) {
		t.Fatalf("forget removed the wrong entry")
	}
	if err := ts.Forget(a); err == nil {
		t.Fatalf("forgetting twice should fail")
	}
	if err := ts.Trust(nil, []byte{3}, "x"); err == nil {
		t.Fatalf("empty key should be refused")
	}
}

func TestTrustFollowsKeyNotDeviceID(t *testing.T) {
	testlog.Start(t)
	ts := NewTrustStore()
	id := []byte{0xaa, 0xbb}
	if err := ts.Trust(publicKey(t), id, "Laptop"); err != nil {
		t.Fatalf("trust: %v", err)
	}
	if ts.IsTrusted(publicKey(t)) {
		t.Fatalf("a different key reusing the device id must not be trusted")
	}
}

func TestLoadIdentityPersists(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	first, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode %v", info.Mode().Perm())
	}
	second, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("reloaded key differs")
	}
}

func TestLoadIdentityRejectsCorruptFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte(`{"ed25519_seed":"AAEC"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadIdentity(path); err == nil {
		t.Fatalf("short seed should be refused")
	}
}
