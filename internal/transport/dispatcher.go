package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
)

// Handler processes one action. *bot.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, a bot.Action, out bot.Messenger) error
}

// Deduplicator runs fn at most once per key. *idempotency.Inbox implements it.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

const inboxHandler = "bot.actions"

// Dispatcher feeds inbound actions to the engine, skipping redelivered
// updates.
type Dispatcher struct {
	engine    Handler
	inbox     Deduplicator
	messenger bot.Messenger
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. inbox may be nil, in which case every
// delivery is handled. messenger receives replies for streamed actions.
func NewDispatcher(engine Handler, inbox Deduplicator, messenger bot.Messenger, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Dispatcher{engine: engine, inbox: inbox, messenger: messenger, metrics: m, logger: logger}
}

// HandleMessage handles one action record from the stream. It returns an
// error only when the record should be redelivered.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	d.metrics.ActionsConsumed.Inc()

	var a bot.Action
	if err := json.Unmarshal(msg.Value, &a); err != nil {
		d.logger.Warn("dropping undecodable action",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	_, err := d.process(ctx, a, msg.Value, func(ctx context.Context) (json.RawMessage, error) {
		return nil, d.engine.Handle(ctx, a, d.messenger)
	})
	return d.settle(a, err)
}

// Collect handles a and returns the replies it produced. A redelivered update
// returns the replies recorded for its first delivery.
func (d *Dispatcher) Collect(ctx context.Context, a bot.Action) ([]bot.Reply, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	result, err := d.process(ctx, a, payload, func(ctx context.Context) (json.RawMessage, error) {
		rec := &bot.Recorder{}
		if err := d.engine.Handle(ctx, a, rec); err != nil {
			return nil, err
		}
		return json.Marshal(rec.Replies())
	})
	if err != nil {
		return nil, err
	}

	replies := []bot.Reply{}
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &replies); err != nil {
			return nil, fmt.Errorf("decode stored replies: %w", err)
		}
	}
	return replies, nil
}

// process runs fn through the inbox when the action carries an update id.
func (d *Dispatcher) process(ctx context.Context, a bot.Action, payload json.RawMessage, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	run := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		res, err := fn(ctx)
		if errors.Is(err, bot.ErrInvalidAction) {
			err = idempotency.Terminal(err)
		}
		return res, err
	}

	key := idempotency.ActionKey(a.UpdateID)
	if d.inbox == nil || key == "" {
		return run(ctx, payload)
	}

	res, err := d.inbox.Process(ctx, key, inboxHandler, payload, run)
	if err != nil {
		return nil, err
	}
	if !res.IsNew && !res.WasRecovered {
		d.metrics.ActionsDeduplicated.Inc()
		d.logger.Debug("skipping redelivered action", zap.String("update_id", a.UpdateID))
	}
	return res.Result, nil
}

// settle decides whether a stream failure is worth a redelivery.
func (d *Dispatcher) settle(a bot.Action, err error) error {
	switch {
	case err == nil:
		return nil
	case idempotency.IsTerminal(err),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		d.logger.Warn("dropping action",
			zap.Int64("caller", a.Caller.ID),
			zap.String("update_id", a.UpdateID),
			zap.Error(err))
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		d.metrics.ActionsDeduplicated.Inc()
		return nil
	default:
		return err
	}
}
