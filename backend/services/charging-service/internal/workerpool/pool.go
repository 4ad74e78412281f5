package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultWorkers = 4
	defaultQueue   = 256
)

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Pool runs best-effort jobs on a fixed number of goroutines fed by a bounded queue.
// Submissions beyond the queue capacity are dropped.
type Pool struct {
	workers int
	jobs    chan job
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewPool builds a pool. Non-positive sizes fall back to defaults.
func NewPool(workers, queue int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan job, queue),
		logger:  logger,
	}
}

// Start launches the workers. Jobs receive a context detached from ctx cancellation so that
// queued work drains on Close.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	base := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(base)
	}
}

// Submit enqueues fn without blocking. It reports false when the job was dropped.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("worker pool closed, dropping job", zap.String("job", name))
		return false
	}
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return true
	default:
		p.logger.Warn("worker pool queue full, dropping job", zap.String("job", name))
		return false
	}
}

// Close stops accepting jobs, drains the queue and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(ctx, j)
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	j.fn(ctx)
}
