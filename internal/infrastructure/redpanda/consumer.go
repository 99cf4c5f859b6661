package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/pkg/workerpool"
)

// ConsumerConfig configures the action consumer group.
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	Topics              []string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	// MaxPollRecords caps one poll.
	MaxPollRecords int
	// StartOffset is "earliest" or "latest" for a group without commits.
	StartOffset string
	Workers     int
	// RetryBackoff is the pause after rewinding to a failed record.
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the action consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "rxguard-bot",
		Topics:              []string{TopicActions},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		StartOffset:         "earliest",
		Workers:             16,
		RetryBackoff:        time.Second,
	}
}

// MessageHandler is called for each consumed message. Records with the same
// key are delivered in order.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is one polled record.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer polls records and hands them to a keyed worker pool. Each
// partition is committed up to its first failed record and redelivered from
// there.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	messagesRead int64
	errorCount   int64
}

// NewConsumer joins the group. Consumption starts with Run.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("redpanda: nil message handler")
	}
	def := DefaultConsumerConfig()
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = def.MaxPollRecords
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		pool:    workerpool.New(workerpool.Config{Workers: cfg.Workers}, logger),
	}, nil
}

// Run consumes until ctx is cancelled, then commits and closes the client.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			atomic.AddInt64(&c.errorCount, 1)
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		errs := c.dispatch(ctx, records)
		ok, retry := committable(records, errs)
		c.client.MarkCommitRecords(ok...)
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
		if len(retry) > 0 {
			c.rewind(ctx, retry)
		}
	}
}

// rewind moves the given partitions back to their first failed record and
// waits RetryBackoff before polling again.
func (c *Consumer) rewind(ctx context.Context, retry []*kgo.Record) {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range retry {
		if offsets[r.Topic] == nil {
			offsets[r.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: -1, Offset: r.Offset}
		c.logger.Warn("redelivering from failed record",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset))
	}
	c.client.SetOffsets(offsets)

	select {
	case <-ctx.Done():
	case <-time.After(c.config.RetryBackoff):
	}
}

// dispatch runs every record through the pool and returns per-record results.
func (c *Consumer) dispatch(ctx context.Context, records []*kgo.Record) []error {
	results := make([]<-chan error, len(records))
	errs := make([]error, len(records))
	for i, rec := range records {
		rec := rec
		ch, err := c.pool.Submit(ctx, string(rec.Key), func(ctx context.Context) error {
			return c.process(ctx, rec)
		})
		if err != nil {
			errs[i] = err
			continue
		}
		results[i] = ch
	}
	for i, ch := range results {
		if ch != nil {
			errs[i] = <-ch
		}
	}
	return errs
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	atomic.AddInt64(&c.messagesRead, 1)
	if err := c.handler(ctx, msg); err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return err
	}
	return nil
}

// committable splits a batch: per partition, every record before the first
// failure may be committed and the first failure is returned for retry.
func committable(records []*kgo.Record, errs []error) (ok, retry []*kgo.Record) {
	type tp struct {
		topic     string
		partition int32
	}
	failed := make(map[tp]bool)
	for i, r := range records {
		k := tp{r.Topic, r.Partition}
		if failed[k] {
			continue
		}
		if errs[i] != nil {
			failed[k] = true
			retry = append(retry, r)
			continue
		}
		ok = append(ok, r)
	}
	return ok, retry
}

func (c *Consumer) close() {
	c.pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

// ConsumerStats are running counters.
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
	Pool         workerpool.Stats
}

// Stats returns the counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: atomic.LoadInt64(&c.messagesRead),
		ErrorCount:   atomic.LoadInt64(&c.errorCount),
		Pool:         c.pool.Stats(),
	}
}
