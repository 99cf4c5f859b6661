// Package workerpool provides a keyed worker pool: work submitted under the
// same key runs in submission order on one worker while different keys run in
// parallel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a stopped pool.
var ErrStopped = errors.New("worker pool stopped")

// Func is one unit of work.
type Func func(ctx context.Context) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the per-worker queue capacity
	QueueSize int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:   16,
		QueueSize: 64,
	}
}

type task struct {
	ctx  context.Context
	fn   Func
	done chan error
}

// Pool pins each key to one worker.
type Pool struct {
	config Config
	logger *zap.Logger
	queues []chan *task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	queueDepth     int64
}

// New creates a pool and starts its workers.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	p := &Pool{
		config: cfg,
		logger: logger,
		queues: make([]chan *task, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *task, cfg.QueueSize)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	logger.Info("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

// Submit queues fn on the worker owning key and returns a channel that
// receives its result. It blocks while that worker's queue is full.
func (p *Pool) Submit(ctx context.Context, key string, fn Func) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.queues[p.slot(key)] <- t:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits fn and waits for it to finish.
func (p *Pool) Do(ctx context.Context, key string, fn Func) error {
	done, err := p.Submit(ctx, key, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop rejects new work and waits for queued work to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(id int, queue <-chan *task) {
	defer p.wg.Done()
	for t := range queue {
		atomic.AddInt64(&p.queueDepth, -1)
		err := p.run(t)
		if err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Debug("task failed", zap.Int("worker_id", id), zap.Error(err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		t.done <- err
	}
}

func (p *Pool) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.fn(t.ctx)
}

// Stats holds pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	QueueDepth     int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		Workers:        p.config.Workers,
	}
}
