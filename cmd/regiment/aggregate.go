package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/EdwinShiels/TheRegiment/pkg/aggregate"
	"github.com/EdwinShiels/TheRegiment/pkg/config"
)

func aggregateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Run an aggregation pass by hand",
	}

	var at string
	cmd.PersistentFlags().StringVar(&at, "at", "", "pass instant (RFC3339), defaults to now")

	run := func(fn func(ctx context.Context, a *app, now time.Time, w io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
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
			return fn(ctx, a, now, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Move clients along the escalation ladder and flag non-responders",
		RunE: run(func(ctx context.Context, a *app, now time.Time, w io.Writer) error {
			report, err := a.aggregator.Scan(ctx, now)
			if err != nil {
				return err
			}
			printScan(w, report)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "weekly",
		Short: "Write this week's job cards",
		RunE: run(func(ctx context.Context, a *app, now time.Time, w io.Writer) error {
			report, err := a.aggregator.Weekly(ctx, now)
			if err != nil {
				return err
			}
			printWeekly(w, report)
			return nil
		}),
	})
	return cmd
}

func printScan(w io.Writer, r aggregate.ScanReport) {
	color.New(color.Bold).Fprintf(w, "Scan at %s: %d clients, %d skipped\n", r.At.UTC().Format(time.RFC3339), r.Clients, r.Skipped)
	for _, ev := range r.Events {
		color.New(color.FgYellow).Fprintf(w, "  %-12s %s (%d in %d days)\n", ev.ClientID, ev.Kind, ev.Count, ev.Window)
	}
	for _, id := range r.NonResponding {
		color.New(color.FgRed).Fprintf(w, "  %-12s non_responding\n", id)
	}
	fmt.Fprintf(w, "  escalation states updated: %d\n", r.EscalationsSet)
	printErrors(w, r.Errors)
}

func printWeekly(w io.Writer, r aggregate.WeeklyReport) {
	color.New(color.Bold).Fprintf(w, "Weekly pass at %s: %d clients, %d skipped\n", r.At.UTC().Format(time.RFC3339), r.Clients, r.Skipped)
	for _, rec := range r.Records {
		flags := make([]string, len(rec.Flags))
		for i, f := range rec.Flags {
			flags[i] = string(f)
		}
		if len(flags) == 0 {
			flags = []string{"none"}
		}
		fmt.Fprintf(w, "  %-12s %s  %-10s %s\n", rec.ClientID, rec.WeekEnding, rec.Action, strings.Join(flags, ","))
	}
	printErrors(w, r.Errors)
}

func printErrors(w io.Writer, errs []aggregate.ClientError) {
	if len(errs) == 0 {
		color.New(color.FgGreen).Fprintln(w, "✓ pass complete")
		return
	}
	for _, e := range errs {
		color.New(color.FgRed).Fprintf(w, "  ✗ %s: %s\n", e.ClientID, e.Error)
	}
}
