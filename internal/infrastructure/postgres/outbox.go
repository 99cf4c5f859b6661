package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be relayed to the stream.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per poll
	BatchSize int
	// PollInterval is how often the table is polled
	PollInterval time.Duration
	// MaxRetries moves an entry to the dead letter topic once reached
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher delivers one record to the stream.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay moves committed outbox entries to the stream.
type Relay struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	// OnPending, when set, receives the pending count after each poll.
	OnPending func(pending int64)
}

// relayLockID serializes relays across processes.
const relayLockID int64 = 0x72786775617264

// NewRelay creates an outbox relay
func NewRelay(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// WriteEntry writes an outbox entry within the caller's transaction.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
			if r.OnPending != nil {
				if stats, err := r.Stats(ctx); err == nil {
					r.OnPending(stats.Pending)
				}
			}
		}
	}
}

// RunOnce relays one batch and returns how many entries were published. The
// batch is claimed under a transaction-scoped advisory lock so that only one
// relay works at a time.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := r.claim(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, e := range entries {
		if e.RetryCount >= r.config.MaxRetries {
			if err := r.deadLetter(ctx, tx, e); err != nil {
				r.logger.Error("dead letter failed", zap.Int64("id", e.ID), zap.Error(err))
			}
			continue
		}
		if err := r.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.Int("retry_count", e.RetryCount),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx,
				`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
				err.Error(), e.ID); uerr != nil {
				return published, fmt.Errorf("record retry: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return published, fmt.Errorf("mark processed: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if published > 0 {
		r.logger.Debug("outbox batch relayed", zap.Int("published", published))
	}
	return published, nil
}

func (r *Relay) claim(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) deadLetter(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	payload, err := json.Marshal(map[string]any{
		"original_topic": e.KafkaTopic,
		"event_type":     e.EventType,
		"aggregate_id":   e.AggregateID,
		"payload":        e.Payload,
		"retry_count":    e.RetryCount,
		"last_error":     e.LastError,
		"created_at":     e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.KafkaKey, payload); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
		return fmt.Errorf("mark dead lettered: %w", err)
	}
	r.logger.Warn("outbox entry dead lettered", zap.Int64("id", e.ID), zap.String("event_type", e.EventType))
	return nil
}

// CleanupProcessed removes relayed entries older than olderThan.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64
	Failing       int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`).Scan(&stats.Pending, &stats.Failing, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
