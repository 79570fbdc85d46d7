// Package workers provides a bounded task pool for the periodic fan-out
// work in the service: per-trader risk checks and fleet health probes run
// through it so one slow trader cannot stall the others.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig tunes a pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns a configuration sized for fleet-bound work:
// a few workers, a small queue, generous per-task timeout.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      4,
		QueueSize:       64,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
	Recovered int64 `json:"panicsRecovered"`
	Queued    int   `json:"queued"`
}

// Pool runs submitted tasks on a fixed set of goroutines. Tasks that panic
// are recovered and counted; tasks that exceed the task timeout are
// abandoned and counted.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig

	tasks  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	recovered atomic.Int64
}

// Pool errors.
var (
	ErrPoolStopped     = &PoolError{"pool is stopped"}
	ErrQueueFull       = &PoolError{"task queue is full"}
	ErrShutdownTimeout = &PoolError{"shutdown timed out"}
)

// PoolError is a pool-level failure.
type PoolError struct{ msg string }

func (e *PoolError) Error() string { return e.msg }

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("pool").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines. Idempotent.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("Worker pool starting",
		zap.Int("workers", p.cfg.NumWorkers),
		zap.Int("queueSize", p.cfg.QueueSize))
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.recovered.Add(1)
				logger.Error("Task panicked", zap.Any("panic", r))
				done <- &PoolError{"task panicked"}
			}
		}()
		done <- task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			logger.Debug("Task failed", zap.Error(err))
		} else {
			p.completed.Add(1)
		}
	case <-ctx.Done():
		p.timedOut.Add(1)
		logger.Warn("Task timed out", zap.Duration("timeout", p.cfg.TaskTimeout))
	}
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait enqueues a task and blocks until it finishes, returning its
// error. Panics inside the task surface as an error instead of hanging the
// caller.
func (p *Pool) SubmitWait(task Task) error {
	result := make(chan error, 1)
	if err := p.Submit(TaskFunc(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.recovered.Add(1)
				p.logger.Error("Task panicked", zap.Any("panic", r))
				err = &PoolError{"task panicked"}
			}
			result <- err
		}()
		return task.Execute()
	})); err != nil {
		return err
	}
	return <-result
}

// RunAll submits one task per item and waits for all of them. Item errors
// are collected, not short-circuited.
func (p *Pool) RunAll(fns []func() error) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, fn := range fns {
		fn := fn
		wg.Add(1)
		if err := p.SubmitFunc(func() error {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	wg.Wait()
	return errs
}

// Stop drains workers cooperatively, waiting up to the shutdown timeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out")
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
		Recovered: p.recovered.Load(),
		Queued:    len(p.tasks),
	}
}
