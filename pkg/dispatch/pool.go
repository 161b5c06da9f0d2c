package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/applyops/applyd/pkg/models"
)

// Pool manages the worker goroutines for one running session. Each slot
// is supervised: a worker that decommissions itself after repeated
// executor failures is replaced so the pool keeps its capacity.
type Pool struct {
	deps       Deps
	dispatcher *Dispatcher
	session    *models.Session
	onAbort    func(reason string)

	mu       sync.Mutex
	workers  []*Worker
	gens     []int
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

// NewPool creates a worker pool bound to one session's dispatcher.
// onAbort is forwarded to workers for intervention-driven session stops.
func NewPool(deps Deps, dispatcher *Dispatcher, session *models.Session, onAbort func(reason string)) *Pool {
	p := &Pool{
		deps:       deps,
		dispatcher: dispatcher,
		session:    session,
		onAbort:    onAbort,
		workers:    make([]*Worker, deps.Pool.WorkerCount),
		gens:       make([]int, deps.Pool.WorkerCount),
	}
	for i := range p.workers {
		p.workers[i] = p.newWorker(i, 0)
	}
	return p
}

func (p *Pool) newWorker(slot, gen int) *Worker {
	id := fmt.Sprintf("worker-%d", slot+1)
	if gen > 0 {
		id = fmt.Sprintf("worker-%d-r%d", slot+1, gen)
	}
	return NewWorker(id, p.deps, p.dispatcher, p.session, p.onAbort)
}

// Start launches all workers and their supervisors. Calling Start twice
// is an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	slog.Info("Starting worker pool",
		"session_id", p.session.ID,
		"worker_count", len(p.workers))
	for i, w := range p.workers {
		w.Start(ctx)
		p.wg.Add(1)
		go p.supervise(ctx, i)
	}
	return nil
}

// supervise replaces the worker in one slot when it decommissions
// itself. It exits when the worker stops for any other reason.
func (p *Pool) supervise(ctx context.Context, slot int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		w := p.workers[slot]
		p.mu.Unlock()

		<-w.Done()

		p.mu.Lock()
		if p.stopping || ctx.Err() != nil || !w.decommissioned() {
			p.mu.Unlock()
			return
		}
		p.gens[slot]++
		replacement := p.newWorker(slot, p.gens[slot])
		p.workers[slot] = replacement
		p.mu.Unlock()

		slog.Warn("Replacing decommissioned worker",
			"session_id", p.session.ID,
			"slot", slot+1,
			"replacement_id", replacement.id)
		replacement.Start(ctx)
	}
}

// Stop shuts down all workers and waits for in-flight items to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	slog.Info("Stopping worker pool", "session_id", p.session.ID)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	p.wg.Wait()
	slog.Info("Worker pool stopped", "session_id", p.session.ID)
}

// Health reports the pool's current state.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	health := PoolHealth{
		SessionID:    p.session.ID.String(),
		TotalWorkers: len(workers),
		InFlight:     p.dispatcher.InFlight(),
	}
	for _, w := range workers {
		wh := w.Health()
		if wh.Status != WorkerStatusDecommissioned {
			health.ActiveWorkers++
		}
		health.WorkerStats = append(health.WorkerStats, wh)
	}
	return health
}
