package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxguard/internal/api/handlers"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
)

func relayCmd() *cobra.Command {
	var retain time.Duration
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay committed audit events from the outbox to the stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, retain)
		},
	}
	cmd.Flags().DurationVar(&retain, "retain", 72*time.Hour, "how long relayed entries are kept")
	return cmd
}

func runRelay(ctx context.Context, retain time.Duration) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = a.cfg.Brokers()
	producer, err := redpanda.NewProducer(pcfg, a.logger.Named("producer"))
	if err != nil {
		return err
	}
	defer producer.Close()

	relay := postgres.NewRelay(a.pool, producer, postgres.DefaultOutboxConfig(), a.logger.Named("outbox"))
	relay.OnPending = func(pending int64) { a.metrics.OutboxPending.Set(float64(pending)) }

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := relay.CleanupProcessed(ctx, retain)
				if err != nil {
					a.logger.Error("outbox cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					a.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
				}
			}
		}
	})
	g.Go(func() error {
		return a.serveHTTP(ctx, handlers.NewRouter(nil, a.store(), a.registry,
			handlers.RouterConfig{ServiceName: a.cfg.ServiceName}, a.logger.Named("http")))
	})
	return g.Wait()
}
