package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/observability/tracing"
	"github.com/drfirst/go-rxguard/internal/session"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *pgxpool.Pool
	tracing  *tracing.Provider
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("connected to database", zap.Int32("max_conns", cfg.DBMaxConns))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
		pool:     pool,
		tracing:  tp,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.pool.Close()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) store() *postgres.Store {
	scfg := postgres.DefaultStoreConfig()
	scfg.AuditTopic = a.cfg.AuditTopic
	return postgres.NewStore(a.pool, scfg, a.logger.Named("store"))
}

func (a *app) sessions() session.Store {
	if a.cfg.SessionStore == config.SessionStoreMemory {
		return session.NewMemory()
	}
	return postgres.NewSessions(a.pool)
}

func (a *app) engine(store bot.Store) *bot.Engine {
	return bot.NewEngine(store, a.sessions(), bot.Config{
		PageSize:         a.cfg.PageSize,
		MaxMessageLength: a.cfg.MaxMessageLength,
	}, a.logger.Named("bot"), bot.WithMetrics(a.metrics))
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down.
func (a *app) serveHTTP(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info("http server stopped")
	return nil
}
