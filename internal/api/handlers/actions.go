// Package handlers provides the gateway HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/bot"
)

// maxActionBytes bounds an action request body.
const maxActionBytes = 64 << 10

// Collector handles an action and returns the replies it produced.
// *transport.Dispatcher implements it.
type Collector interface {
	Collect(ctx context.Context, a bot.Action) ([]bot.Reply, error)
}

// ActionHandler handles gateway action requests
type ActionHandler struct {
	collector Collector
	logger    *zap.Logger
}

// NewActionHandler creates a new handler
func NewActionHandler(c Collector, logger *zap.Logger) *ActionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionHandler{collector: c, logger: logger}
}

// Routes returns the handler routes
func (h *ActionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Handle)
	return r
}

// ActionResponse lists the send and edit operations to perform, in order.
type ActionResponse struct {
	Replies []bot.Reply `json:"replies"`
}

// Handle handles POST /v1/actions
func (h *ActionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("action-handler").Start(r.Context(), "handle_action")
	defer span.End()

	var a bot.Action
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int64("caller", a.Caller.ID),
		attribute.String("update_id", a.UpdateID),
	)

	replies, err := h.collector.Collect(ctx, a)
	switch {
	case errors.Is(err, bot.ErrInvalidAction):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		span.RecordError(err)
		h.logger.Error("action failed",
			zap.Int64("caller", a.Caller.ID),
			zap.String("update_id", a.UpdateID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "action could not be processed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Replies: replies})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
