package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/EdwinShiels/TheRegiment/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	root := &cobra.Command{
		Use:     "regiment",
		Short:   "Regiment - timezone-aware compliance dispatcher for coaching clients",
		Version: version,
		Long: `Regiment drops daily assignments to every client at their local time,
closes each assignment at its deadline, and turns the compliance log into
weekly job cards and escalation alerts for the coach.

Without DATABASE_URL it runs in lite mode on SQLite under REGIMENT_DATA_DIR.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(cfg.LogLevel)
		},
	}

	root.AddCommand(serveCmd(cfg))
	root.AddCommand(tickCmd(cfg))
	root.AddCommand(aggregateCmd(cfg))
	root.AddCommand(migrateCmd(cfg))
	root.AddCommand(coachCmd(cfg))
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
