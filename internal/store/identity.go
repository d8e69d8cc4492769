package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type identityFile struct {
	Seed []byte `json:"ed25519_seed"`
}

// LoadIdentity returns the long-term signing key stored at path, creating
// the file with a fresh key when it does not exist yet.
func LoadIdentity(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return createIdentity(path)
	case err != nil:
		return nil, fmt.Errorf("store: read identity %s: %w", path, err)
	}
	var f identityFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("store: parse identity %s: %w", path, err)
	}
	if len(f.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("store: identity %s has a %d byte seed", path, len(f.Seed))
	}
	return ed25519.NewKeyFromSeed(f.Seed), nil
}

func createIdentity(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create identity dir: %w", err)
	}
	b, err := json.MarshalIndent(identityFile{Seed: priv.Seed()}, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, fmt.Errorf("store: write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("store: write identity: %w", err)
	}
	return priv, nil
}
