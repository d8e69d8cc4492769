// Package cmd is the nearshare command line: receive, send and peers on top
// of the engine.
package cmd

import (
	"github.com/spf13/cobra"

	"nearshare/internal/config"
	"nearshare/internal/engine"
	"nearshare/internal/logging"
)

const version = "0.2.0"

var (
	configPath   string
	deviceName   string
	port         int
	downloadDir  string
	transportArg string
	confirmCodes bool
	invisible    bool
	interleave   bool
)

func Execute() error {
	root := &cobra.Command{
		Use:           "nearshare",
		Short:         "Share files and text with nearby devices",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "TOML config file")
	pf.StringVarP(&deviceName, "name", "n", "", "device name shown to peers")
	pf.IntVarP(&port, "port", "p", 0, "listening port (0 picks one)")
	pf.StringVarP(&downloadDir, "download-dir", "d", "", "where received files are saved")
	pf.StringVar(&transportArg, "transport", "", "tcp or quic")
	pf.BoolVar(&confirmCodes, "confirm-codes", false, "compare the verification code before every session")
	pf.BoolVar(&invisible, "invisible", false, "do not advertise this device")
	pf.BoolVar(&interleave, "interleave", false, "interleave chunks of several payloads")

	root.AddCommand(receiveCmd(), sendCmd(), peersCmd())
	return root.Execute()
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.DeviceName = deviceName
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("download-dir") {
		cfg.DownloadDir = downloadDir
	}
	if flags.Changed("transport") {
		cfg.Transport = transportArg
	}
	if flags.Changed("confirm-codes") {
		cfg.ConfirmCodes = confirmCodes
	}
	if flags.Changed("invisible") {
		cfg.Visible = !invisible
	}
	if flags.Changed("interleave") {
		cfg.Interleave = interleave
	}
	return cfg, config.Validate(cfg)
}

func newEngine(cmd *cobra.Command) (*engine.Engine, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, config.Config{}, err
	}
	eng, err := engine.New(engine.Options{Config: cfg})
	if err != nil {
		return nil, config.Config{}, err
	}
	return eng, cfg, nil
}
