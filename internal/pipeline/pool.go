package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/RockChinQ/LangBot/internal/entities"
)

// Pool feeds queries to a fixed set of workers. Intake is unbounded:
// enqueueing never blocks the platform adapters.
type Pool struct {
	controller *Controller
	workers    int
	logger     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*entities.Query
	shutdown bool
}

// NewPool creates a pool with the given worker count.
func NewPool(controller *Controller, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		controller: controller,
		workers:    workers,
		logger:     logger.With("component", "pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// AddQuery enqueues a query. Returns ErrShuttingDown once shutdown has
// begun.
func (p *Pool) AddQuery(query *entities.Query) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return entities.ErrShuttingDown
	}
	p.queue = append(p.queue, query)
	p.cond.Signal()
	return nil
}

// Backlog reports the queued query count.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run processes queries until ctx is cancelled, then drains in-flight
// work and returns.
func (p *Pool) Run(ctx context.Context) error {
	// Wake blocked workers when the context dies.
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.shutdown = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		query, ok := p.next()
		if !ok {
			return
		}
		p.logger.Debug("query picked up",
			"worker", id, "query", query.ID, "launcher", query.LauncherKey())
		p.process(ctx, id, query)
	}
}

// process isolates one query: a panicking stage or plugin must not
// take the worker down with it.
func (p *Pool) process(ctx context.Context, id int, query *entities.Query) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("query processing panicked",
				"worker", id, "query", query.ID, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	p.controller.Process(ctx, query)
}

// next blocks for the next query; ok is false once the pool is shut
// down and drained.
func (p *Pool) next() (*entities.Query, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.shutdown {
			return nil, false
		}
		p.cond.Wait()
	}
	query := p.queue[0]
	p.queue = p.queue[1:]
	return query, true
}
