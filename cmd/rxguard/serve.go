package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/handlers"
	"github.com/drfirst/go-rxguard/internal/transport"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway action API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	keys, err := a.cfg.APIKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("GATEWAY_API_KEYS is required for serve")
	}

	store := a.store()
	inbox := idempotency.NewInbox(a.pool, idempotency.DefaultInboxConfig(), a.logger.Named("inbox"))
	go inbox.Run(ctx)

	dispatcher := transport.NewDispatcher(a.engine(store), inbox, nil, a.metrics, a.logger)
	router := handlers.NewRouter(
		handlers.NewActionHandler(dispatcher, a.logger),
		store,
		a.registry,
		handlers.RouterConfig{ServiceName: a.cfg.ServiceName, APIKeys: keys},
		a.logger.Named("http"),
	)

	a.logger.Info("gateway api starting", zap.Int("api_keys", len(keys)))
	return a.serveHTTP(ctx, router)
}
