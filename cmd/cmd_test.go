package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"nearshare/internal/discovery"
	"nearshare/internal/engine"
	apperrors "nearshare/internal/errors"
	"nearshare/internal/testutil/testlog"
)

func TestFormatBytes(t *testing.T) {
	testlog.Start(t)
	cases := map[uint64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		1 << 30:         "1.0 GiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d)=%q want %q", in, got, want)
		}
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nearshare.toml")
	body := "device_name = \"from-file\"\nport = 4000\ndevice_id = \"6f1c1a52-0d6e-4a55-9a39-3a9a40e3c2b1\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVarP(&deviceName, "name", "n", "", "")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "")
	cmd.Flags().BoolVar(&invisible, "invisible", false, "")
	if err := cmd.ParseFlags([]string{"--name", "from-flag", "--invisible"}); err != nil {
		t.Fatal(err)
	}
	configPath = path
	t.Cleanup(func() { configPath, deviceName, port, invisible = "", "", 0, false })

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceName != "from-flag" || cfg.Port != 4000 || cfg.Visible {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestNotYetReachable(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: kitchen", engine.ErrUnknownEndpoint), true},
		{apperrors.Connection("engine", "endpoint aabbcc seen by beacon only", engine.ErrNotConnectable), true},
		{apperrors.Connection("registry", "endpoint has no known address", nil), false},
		{fmt.Errorf("%w: \"tv\" matches a, b", discovery.ErrAmbiguous), false},
	}
	for _, c := range cases {
		if got := notYetReachable(c.err); got != c.want {
			t.Fatalf("notYetReachable(%v)=%v want %v", c.err, got, c.want)
		}
	}
}
