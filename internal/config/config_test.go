package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearshare.toml")
	raw := `
device_name = "desk"
device_id = "6f1c1d64-8f5e-4b8a-9d8e-3f0c2b7a1e11"
port = 37149
transport = "quic"
consent_timeout = "90s"

[beacon]
enabled = false
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceName != "desk" || cfg.Port != 37149 || cfg.Transport != TransportQUIC {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ConsentTimeout.Duration != 90*time.Second {
		t.Fatalf("consent timeout got=%v", cfg.ConsentTimeout)
	}
	if cfg.HandshakeTimeout.Duration != 10*time.Second {
		t.Fatalf("default handshake timeout lost: %v", cfg.HandshakeTimeout)
	}
	if cfg.Beacon.Enabled {
		t.Fatalf("beacon should be disabled")
	}
	if len(cfg.DeviceIDBytes()) != 16 {
		t.Fatalf("device id bytes length")
	}
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := Default()
	cfg.Transport = "bluetooth"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
