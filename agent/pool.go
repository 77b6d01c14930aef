package agent

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs a set of workers as one unit. Workers race for tasks
// independently; the pool only manages their lifecycles.
type Pool struct {
	mu      sync.RWMutex
	workers []*Worker
	logger  *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger}
}

// Add registers a worker. Call before Run.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
}

// Workers returns the registered workers.
func (p *Pool) Workers() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Worker(nil), p.workers...)
}

// Run starts every worker and blocks until all loops return. Cancelling
// ctx stops the pool.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	p.logger.Info("worker pool started", slog.Int("workers", len(workers)))
	return g.Wait()
}
