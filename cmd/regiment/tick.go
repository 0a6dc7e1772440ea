package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/EdwinShiels/TheRegiment/pkg/config"
	"github.com/EdwinShiels/TheRegiment/pkg/scheduler"
)

func tickCmd(cfg *config.Config) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single clock tick and wait for its sends to settle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := a.dispatcher.Tick(ctx, now)
			if err != nil {
				return err
			}
			if err := a.queue.Drain(ctx); err != nil {
				return err
			}
			printTick(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "tick instant (RFC3339), defaults to now")
	return cmd
}

func printTick(w io.Writer, r scheduler.TickReport) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Tick at %s over %d clients\n", r.At.UTC().Format(time.RFC3339), r.Clients)
	for _, d := range r.Decisions {
		line := fmt.Sprintf("  %-12s %-10s %-22s %s", d.ClientID, d.Date, d.Task, d.Result)
		switch {
		case d.Result == scheduler.ResultError:
			color.New(color.FgRed).Fprintf(w, "%s: %s\n", line, d.Error)
		case d.Result.Skipped():
			color.New(color.FgYellow).Fprintln(w, line)
		case d.Result == scheduler.ResultNotDue:
			continue
		default:
			color.New(color.FgGreen).Fprintln(w, line)
		}
	}
	if n := r.Count(scheduler.ResultError); n > 0 {
		color.New(color.FgRed, color.Bold).Fprintf(w, "✗ %d decisions failed\n", n)
		return
	}
	color.New(color.FgGreen).Fprintln(w, "✓ tick complete")
}
