package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is a process-local Store. Sessions are stored encoded so that callers
// never share mutable state with the map.
type Memory struct {
	mu       sync.Mutex
	sessions map[int64][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[int64][]byte)}
}

// Load returns the caller's session or a fresh idle one.
func (m *Memory) Load(_ context.Context, callerID int64) (*Session, error) {
	m.mu.Lock()
	raw, ok := m.sessions[callerID]
	m.mu.Unlock()

	s := &Session{}
	if !ok {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

// Save stores s, or removes the entry when s is idle.
func (m *Memory) Save(ctx context.Context, callerID int64, s *Session) error {
	if s == nil || s.Idle() {
		return m.Clear(ctx, callerID)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.mu.Lock()
	m.sessions[callerID] = raw
	m.mu.Unlock()
	return nil
}

// Clear removes the caller's session.
func (m *Memory) Clear(_ context.Context, callerID int64) error {
	m.mu.Lock()
	delete(m.sessions, callerID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of callers with a flow in progress.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
