// Package transport connects the bot engine to the stream: inbound actions
// are decoded, de-duplicated and handled, and replies are published back.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
)

// Publisher sends one record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Guard runs fn under a circuit breaker.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReplyPublisher is a bot.Messenger that publishes every send and edit as a
// bot.Reply record keyed by chat id.
type ReplyPublisher struct {
	publisher Publisher
	guard     Guard
	topic     string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReplyPublisher creates a reply publisher. guard may be nil.
func NewReplyPublisher(p Publisher, guard Guard, topic string, m *metrics.Metrics, logger *zap.Logger) *ReplyPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &ReplyPublisher{publisher: p, guard: guard, topic: topic, metrics: m, logger: logger}
}

// Send publishes a new message.
func (r *ReplyPublisher) Send(ctx context.Context, to bot.ReplyTarget, msg bot.Message) error {
	return r.publish(ctx, bot.Reply{Kind: bot.ReplySend, Target: to, Message: msg})
}

// Edit publishes an in-place edit.
func (r *ReplyPublisher) Edit(ctx context.Context, to bot.ReplyTarget, msg bot.Message) error {
	return r.publish(ctx, bot.Reply{Kind: bot.ReplyEdit, Target: to, Message: msg})
}

func (r *ReplyPublisher) publish(ctx context.Context, rep bot.Reply) error {
	value, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	key := strconv.FormatInt(rep.Target.ChatID, 10)

	send := func(ctx context.Context) error {
		return r.publisher.Publish(ctx, r.topic, key, value)
	}
	if r.guard != nil {
		err = r.guard.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		r.metrics.RepliesFailed.Inc()
		r.logger.Warn("reply not published",
			zap.Int64("chat_id", rep.Target.ChatID),
			zap.String("kind", string(rep.Kind)),
			zap.Error(err))
		return err
	}
	r.metrics.RepliesPublished.Inc()
	return nil
}
