package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func peersCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List nearby devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()

			eng, _, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			eng.SetVisibility(false)
			eng.StartDiscovery(ctx)

			out := cmd.OutOrStdout()
			ui := newConsole(cmd.InOrStdin(), out, false)
			fmt.Fprintln(out, statusStyle.Render(fmt.Sprintf("looking for devices for %s...", wait)))
		loop:
			for {
				select {
				case ev := <-eng.Events():
					ui.handle(eng, ev)
				case <-ctx.Done():
					break loop
				}
			}

			eps := eng.Endpoints()
			if len(eps) == 0 {
				fmt.Fprintln(out, statusStyle.Render("no devices found"))
				return nil
			}
			sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })
			header := lipgloss.NewStyle().Bold(true).Underline(true)
			fmt.Fprintf(out, "%s\n", header.Render(fmt.Sprintf("%-24s %-8s %-14s %-16s %s", "NAME", "TYPE", "ID", "SEEN VIA", "ADDRESS")))
			for _, ep := range eps {
				addrs := make([]string, 0, len(ep.Addrs))
				for _, a := range ep.Addrs {
					addrs = append(addrs, a.String())
				}
				id := ep.IDString()
				if len(id) > 12 {
					id = id[:12]
				}
				fmt.Fprintf(out, "%-24s %-8s %-14s %-16s %s\n", ep.Name, ep.DeviceType, id, ep.Source, strings.Join(addrs, ", "))
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Second, "how long to listen for devices")
	return cmd
}
