package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-rxguard/internal/session"
)

// Sessions keeps conversation state in bot_sessions so that any process can
// continue a caller's flow.
type Sessions struct {
	pool *pgxpool.Pool
}

// NewSessions creates a session store over pool.
func NewSessions(pool *pgxpool.Pool) *Sessions {
	return &Sessions{pool: pool}
}

func (s *Sessions) Load(ctx context.Context, callerID int64) (*session.Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM bot_sessions WHERE caller_id = $1`, callerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &session.Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess := &session.Session{}
	if err := json.Unmarshal(raw, sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Save upserts the session. An idle session is removed.
func (s *Sessions) Save(ctx context.Context, callerID int64, sess *session.Session) error {
	if sess == nil || sess.Idle() {
		return s.Clear(ctx, callerID)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bot_sessions (caller_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (caller_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, callerID, raw)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Sessions) Clear(ctx context.Context, callerID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bot_sessions WHERE caller_id = $1`, callerID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
