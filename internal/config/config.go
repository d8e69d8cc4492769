package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	DefaultBeaconGroup = "239.255.77.77:41999"
)

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	DeviceName  string `toml:"device_name"`
	DeviceType  string `toml:"device_type"`
	DeviceID    string `toml:"device_id"`
	Port        int    `toml:"port"`
	Visible     bool   `toml:"visible"`
	DownloadDir string `toml:"download_dir"`
	Transport   string `toml:"transport"`
	// IdentityFile holds the long-term signing key. Empty means a new key
	// every run, so no peer can pre-trust this device.
	IdentityFile string `toml:"identity_file"`

	ChunkSize    int  `toml:"chunk_size"`
	Interleave   bool `toml:"interleave"`
	ConfirmCodes bool `toml:"confirm_codes"`

	HandshakeTimeout Duration `toml:"handshake_timeout"`
	ConsentTimeout   Duration `toml:"consent_timeout"`
	LivenessTimeout  Duration `toml:"liveness_timeout"`
	GracePeriod      Duration `toml:"grace_period"`

	Beacon BeaconConfig `toml:"beacon"`
}

type BeaconConfig struct {
	Enabled  bool     `toml:"enabled"`
	Group    string   `toml:"group"`
	Interval Duration `toml:"interval"`
}

func Default() Config {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "nearshare"
	}
	download := "."
	if home, err := os.UserHomeDir(); err == nil {
		download = filepath.Join(home, "Downloads")
	}
	identity := ""
	if dir, err := os.UserConfigDir(); err == nil {
		identity = filepath.Join(dir, "nearshare", "identity.json")
	}
	return Config{
		DeviceName:       host,
		DeviceType:       "laptop",
		DeviceID:         uuid.NewString(),
		Port:             0,
		Visible:          true,
		DownloadDir:      download,
		Transport:        TransportTCP,
		IdentityFile:     identity,
		ChunkSize:        512 * 1024,
		HandshakeTimeout: Duration{10 * time.Second},
		ConsentTimeout:   Duration{time.Minute},
		LivenessTimeout:  Duration{30 * time.Second},
		GracePeriod:      Duration{5 * time.Second},
		Beacon: BeaconConfig{
			Enabled:  true,
			Group:    DefaultBeaconGroup,
			Interval: Duration{2 * time.Second},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.DecodeFile(path, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return fmt.Errorf("config missing device_name")
	}
	if _, err := uuid.Parse(cfg.DeviceID); err != nil {
		return fmt.Errorf("config device_id must be a uuid: %w", err)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("config port out of range: %d", cfg.Port)
	}
	switch cfg.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("config transport must be %q or %q, got %q", TransportTCP, TransportQUIC, cfg.Transport)
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > 4*1024*1024 {
		return fmt.Errorf("config chunk_size out of range: %d", cfg.ChunkSize)
	}
	if cfg.HandshakeTimeout.Duration <= 0 {
		return fmt.Errorf("config handshake_timeout must be positive")
	}
	if cfg.ConsentTimeout.Duration <= 0 {
		return fmt.Errorf("config consent_timeout must be positive")
	}
	if cfg.LivenessTimeout.Duration <= 0 {
		return fmt.Errorf("config liveness_timeout must be positive")
	}
	if cfg.Beacon.Enabled && strings.TrimSpace(cfg.Beacon.Group) == "" {
		return fmt.Errorf("config beacon.group required when beacon is enabled")
	}
	return nil
}

// DeviceIDBytes returns the 16 raw bytes of DeviceID.
func (c Config) DeviceIDBytes() []byte {
	id := uuid.MustParse(c.DeviceID)
	return id[:]
}
