package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds router configuration
type RouterConfig struct {
	ServiceName string
	// APIKeys maps gateway API keys to client names.
	APIKeys map[string]string
}

// NewRouter mounts the operational endpoints and, when actions is not nil,
// the action API.
func NewRouter(actions *ActionHandler, ready Pinger, gatherer prometheus.Gatherer, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}

	if actions != nil {
		r.Route("/v1", func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
			r.Mount("/actions", actions.Routes())
		})
	}

	return r
}
