// Package workers provides a bounded worker pool used for parallel REST work
// (snapshot and backfill fetches) so one slow symbol cannot starve the rest.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work to be processed.
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults for REST fan-out.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      4,
		QueueSize:       256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats is an observable snapshot of pool counters.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Queued    int   `json:"queued"`
}

// Pool manages a fixed set of worker goroutines over a bounded queue.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewPool creates a pool; Start must be called before Submit is useful.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &Pool{
		logger:    logger.Named("workers"),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
}

// Submit queues a task; returns false when the queue is full or the pool is
// stopped.
func (p *Pool) Submit(task Task) bool {
	if !p.running.Load() {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// SubmitFunc queues a plain function.
func (p *Pool) SubmitFunc(fn func() error) bool {
	return p.Submit(TaskFunc(fn))
}

// Stop drains workers with the configured timeout.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped",
			zap.String("name", p.config.Name),
			zap.Int64("completed", p.completed.Load()),
		)
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
		)
	}
}

// GetStats returns current counters.
func (p *Pool) GetStats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Queued:    len(p.taskQueue),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(task)
		}
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panic", zap.Any("panic", r))
		}
	}()

	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Debug("task error", zap.Error(err))
		return
	}
	p.completed.Add(1)
}
