package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/EdwinShiels/TheRegiment/pkg/api"
	"github.com/EdwinShiels/TheRegiment/pkg/config"
)

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, retry queue, aggregation passes and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			limiter := api.NewIPRateLimiter(cfg.APIRate, cfg.APIBurst)
			handler := api.NewServer(a.registry, a.store).Handler(limiter)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.queue.Run(ctx) })
			g.Go(func() error { return a.dispatcher.Run(ctx, cfg.TickInterval) })
			g.Go(func() error { return a.aggregator.Run(ctx, cfg.ScanInterval, cfg.NextWeekly) })
			g.Go(func() error {
				limiter.RunSweeper(ctx)
				return nil
			})
			if a.receiver != nil {
				g.Go(func() error { return a.receiver.Receive(ctx, a.registry.Handle) })
			}
			g.Go(func() error { return api.ListenAndServe(ctx, ":"+cfg.Port, handler) })

			color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "✓ regiment %s listening on :%s\n", version, cfg.Port)
			log.Printf("[regiment] tick every %s, scan every %s, next weekly pass %s",
				cfg.TickInterval, cfg.ScanInterval, cfg.NextWeekly(time.Now()).Format(time.RFC1123))

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("[regiment] shut down")
			return nil
		},
	}
}
