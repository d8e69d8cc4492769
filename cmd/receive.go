package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func receiveCmd() *cobra.Command {
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Stay discoverable and accept incoming shares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cfg, err := newEngine(cmd)
			if err != nil {
				return err
			}
			port, err := eng.Listen(ctx)
			if err != nil {
				return err
			}
			eng.StartDiscovery(ctx)

			out := cmd.OutOrStdout()
			visibility := "visible"
			if !cfg.Visible {
				visibility = "hidden"
			}
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("nearshare %s", version)))
			fmt.Fprintln(out, statusStyle.Render(fmt.Sprintf("%q is %s on port %d, saving to %s", cfg.DeviceName, visibility, port, cfg.DownloadDir)))

			errc := make(chan error, 1)
			go func() { errc <- eng.Run(ctx) }()

			ui := newConsole(cmd.InOrStdin(), out, autoAccept)
			for ev := range eng.Events() {
				ui.handle(eng, ev)
			}
			fmt.Fprintln(out, statusStyle.Render("shut down"))
			return <-errc
		},
	}
	cmd.Flags().BoolVarP(&autoAccept, "yes", "y", false, "accept every offer without asking")
	return cmd
}
