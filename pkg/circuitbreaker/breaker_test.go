package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("replies")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, _, to State) {
		assert.Equal(t, "replies", name)
		transitions = append(transitions, to)
	}
	b, err := New(cfg, nil)
	require.NoError(t, err)

	down := errors.New("broker down")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(context.Background(), func(context.Context) error { return down }), down)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err = b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig("replies")
	cfg.FailureThreshold = 1
	b, err := New(cfg, nil)
	require.NoError(t, err)

	err = b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateValue(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Value())
	assert.Equal(t, 1.0, StateOpen.Value())
	assert.Equal(t, 2.0, StateHalfOpen.Value())
}
