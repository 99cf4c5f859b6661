package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxguard/internal/bot"
	"github.com/drfirst/go-rxguard/internal/domain/user"
	"github.com/drfirst/go-rxguard/internal/infrastructure/memstore"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/session"
	"github.com/drfirst/go-rxguard/internal/storetest"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
)

type record struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	records []record
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record{topic, key, value})
	return nil
}

// memInbox keeps finished results in a map.
type memInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	failed  map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{results: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	if res, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.results[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func newEngine(t *testing.T) *bot.Engine {
	t.Helper()
	store := memstore.New()
	storetest.MustUser(t, store, 200, user.RoleDoctor, "Dr. House")
	return bot.NewEngine(store, session.NewMemory(), bot.DefaultConfig(), nil)
}

func actionRecord(t *testing.T, a bot.Action) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(a)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicActions, Value: value}
}

func TestStreamedActionPublishesReplies(t *testing.T) {
	m := metrics.NewUnregistered()
	pub := &fakePublisher{}
	replies := NewReplyPublisher(pub, nil, redpanda.TopicReplies, m, nil)
	d := NewDispatcher(newEngine(t), newMemInbox(), replies, m, nil)

	a := bot.Action{UpdateID: "u1", Caller: bot.Caller{ID: 200}, Text: "/menu", Reply: bot.ReplyTarget{ChatID: 555}}
	require.NoError(t, d.HandleMessage(context.Background(), actionRecord(t, a)))
	require.Len(t, pub.records, 1)
	assert.Equal(t, redpanda.TopicReplies, pub.records[0].topic)
	assert.Equal(t, "555", pub.records[0].key)

	var rep bot.Reply
	require.NoError(t, json.Unmarshal(pub.records[0].value, &rep))
	assert.Equal(t, bot.ReplySend, rep.Kind)
	assert.Equal(t, int64(555), rep.Target.ChatID)

	// redelivery is skipped
	require.NoError(t, d.HandleMessage(context.Background(), actionRecord(t, a)))
	assert.Len(t, pub.records, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsConsumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesPublished))
}

func TestStreamDropsPoisonRecords(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(newEngine(t), newMemInbox(), NewReplyPublisher(pub, nil, redpanda.TopicReplies, nil, nil), nil, nil)

	assert.NoError(t, d.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))

	invalid := bot.Action{UpdateID: "u2", Text: "/menu"}
	assert.NoError(t, d.HandleMessage(context.Background(), actionRecord(t, invalid)))
	assert.NoError(t, d.HandleMessage(context.Background(), actionRecord(t, invalid)))
	assert.Empty(t, pub.records)
}

func TestPublishFailureAsksForRedelivery(t *testing.T) {
	m := metrics.NewUnregistered()
	pub := &fakePublisher{err: errors.New("broker down")}
	d := NewDispatcher(newEngine(t), nil, NewReplyPublisher(pub, nil, redpanda.TopicReplies, m, nil), m, nil)

	a := bot.Action{UpdateID: "u3", Caller: bot.Caller{ID: 200}, Text: "/menu", Reply: bot.ReplyTarget{ChatID: 1}}
	assert.Error(t, d.HandleMessage(context.Background(), actionRecord(t, a)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesFailed))
}

type openGuard struct{}

func (openGuard) Do(context.Context, func(context.Context) error) error {
	return errors.New("circuit breaker open")
}

func TestReplyPublisherUsesGuard(t *testing.T) {
	pub := &fakePublisher{}
	r := NewReplyPublisher(pub, openGuard{}, redpanda.TopicReplies, nil, nil)
	err := r.Edit(context.Background(), bot.ReplyTarget{ChatID: 1, MessageID: 2}, bot.Message{Text: "x"})
	assert.Error(t, err)
	assert.Empty(t, pub.records)
}

func TestCollectReturnsStoredRepliesOnRedelivery(t *testing.T) {
	d := NewDispatcher(newEngine(t), newMemInbox(), nil, nil, nil)
	a := bot.Action{UpdateID: "u4", Caller: bot.Caller{ID: 200}, Text: "/menu", Reply: bot.ReplyTarget{ChatID: 9}}

	first, err := d.Collect(context.Background(), a)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := d.Collect(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCollectRejectsInvalidAction(t *testing.T) {
	d := NewDispatcher(newEngine(t), nil, nil, nil, nil)
	_, err := d.Collect(context.Background(), bot.Action{Text: "hi"})
	assert.ErrorIs(t, err, bot.ErrInvalidAction)
}
