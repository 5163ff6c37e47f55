// Package pool provides a bounded goroutine pool for background work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	Workers      int           `json:"workers"`
	QueueSize    int           `json:"queue_size"`
	TaskTimeout  time.Duration `json:"task_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		Workers:     4,
		QueueSize:   256,
		TaskTimeout: 2 * time.Minute,
	}
}

// GoroutinePool runs submitted tasks on a fixed set of workers.
// Tasks run under the pool's own context, detached from the submitter.
type GoroutinePool struct {
	cfg    GoroutinePoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Task
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	activeCount atomic.Int32
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	rejected    atomic.Int64
}

// NewGoroutinePool creates the pool and starts its workers.
func NewGoroutinePool(cfg GoroutinePoolConfig, logger *zap.Logger) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &GoroutinePool{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "goroutine_pool")),
		queue:   make(chan Task, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task without blocking.
func (p *GoroutinePool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.activeCount.Add(1)
		err := p.execute(task)
		p.activeCount.Add(-1)

		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("background task failed", zap.Error(err))
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *GoroutinePool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := p.baseCtx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	return task(ctx)
}

// Close stops accepting tasks and waits for queued ones to finish.
// If ctx expires first, running tasks are cancelled and ctx.Err() is returned.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   p.cfg.Workers,
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
