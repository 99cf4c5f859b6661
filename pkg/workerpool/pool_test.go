package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 8}, nil)
	defer p.Stop()

	var mu sync.Mutex
	var got []int
	var dones []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		done, err := p.Submit(context.Background(), "caller-1", func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, d := range dones {
		require.NoError(t, <-d)
	}

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	p := New(Config{Workers: 8, QueueSize: 1}, nil)
	defer p.Stop()

	// find two keys owned by different workers
	a, b := "a", ""
	for _, k := range []string{"b", "c", "d", "e", "f", "g", "h", "i"} {
		if p.slot(k) != p.slot(a) {
			b = k
			break
		}
	}
	require.NotEmpty(t, b)

	release := make(chan struct{})
	blocked, err := p.Submit(context.Background(), a, func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Do(ctx, b, func(context.Context) error { return nil }))

	close(release)
	require.NoError(t, <-blocked)
}

func TestDoReturnsErrorsAndPanics(t *testing.T) {
	p := New(Config{Workers: 1}, nil)
	defer p.Stop()

	boom := errors.New("boom")
	assert.ErrorIs(t, p.Do(context.Background(), "k", func(context.Context) error { return boom }), boom)

	err := p.Do(context.Background(), "k", func(context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.TasksSubmitted)
	assert.Equal(t, int64(2), stats.TasksFailed)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 2}, nil)
	p.Stop()
	p.Stop()

	_, err := p.Submit(context.Background(), "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
