package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nearshare/internal/engine"
	"nearshare/internal/transfer"
)

func sendCmd() *cobra.Command {
	var (
		text string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <name|id|host:port> [paths...]",
		Short: "Share files or text with a nearby device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, paths := args[0], args[1:]
			var payloads []*transfer.Payload
			if text != "" {
				payloads = append(payloads, transfer.NewTextPayload(text, 0))
			}
			for _, p := range paths {
				pl, err := transfer.NewFilePayload(p)
				if err != nil {
					return err
				}
				payloads = append(payloads, pl)
			}
			if len(payloads) == 0 {
				return errors.New("nothing to send: give file paths or --text")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			eng, _, err := newEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Shutdown(context.Background())
			eng.SetVisibility(false)
			eng.StartDiscovery(ctx)

			ui := newConsole(cmd.InOrStdin(), cmd.OutOrStdout(), false)
			id, err := startSend(ctx, eng, ui, target, wait, payloads)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					_ = eng.Cancel(id)
					return ctx.Err()
				case ev, ok := <-eng.Events():
					if !ok {
						return errors.New("engine stopped")
					}
					ui.handle(eng, ev)
					if ev.Session.ID != id {
						continue
					}
					switch ev.Kind {
					case engine.SessionCompleted:
						return nil
					case engine.SessionRejected:
						return fmt.Errorf("%s declined", target)
					case engine.SessionCancelled, engine.SessionFailed:
						if ev.Err != nil {
							return ev.Err
						}
						return fmt.Errorf("transfer to %s ended: %s", target, ev.Session.State)
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", "", "text, link or WIFI: string to send")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 10*time.Second, "how long to look for the device")
	return cmd
}

// notYetReachable reports errors that may clear once discovery has seen
// more: an unknown target, or one heard only by beacon.
func notYetReachable(err error) bool {
	return errors.Is(err, engine.ErrUnknownEndpoint) || errors.Is(err, engine.ErrNotConnectable)
}

// startSend retries until target shows up in discovery or wait runs out.
func startSend(ctx context.Context, eng *engine.Engine, ui *console, target string, wait time.Duration, payloads []*transfer.Payload) (string, error) {
	deadline := time.After(wait)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		id, err := eng.Send(target, payloads...)
		if err == nil {
			return id, nil
		}
		if !notYetReachable(err) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("%s not found within %s", target, wait)
		case ev := <-eng.Events():
			ui.handle(eng, ev)
		case <-tick.C:
		}
	}
}
