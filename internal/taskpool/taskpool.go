// Package taskpool runs independent teardown jobs with a bounded number
// of goroutines in flight. It wraps golang.org/x/sync/errgroup's
// SetLimit-bounded group: Submit dispatches a job as soon as a slot is
// free, Wait blocks until every submitted job has finished and returns
// the first error any of them produced, propagating it while the rest
// of the group still runs to completion.
package taskpool

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool bounds concurrent execution of Submit-ted jobs to size slots.
type Pool struct {
	group   *errgroup.Group
	size    int
	mu      sync.Mutex
	closing bool
	running map[string]struct{}
}

// New creates a pool with the given number of concurrent worker slots.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(size)
	return &Pool{
		group:   g,
		size:    size,
		running: make(map[string]struct{}),
	}
}

// Submit runs fn for the given container id once a slot is available.
// It never runs two jobs for the same id concurrently in practice, but
// a duplicate id submitted while the first is still in flight is logged
// and run anyway rather than rejected: the Registry/Network/Process
// lock ordering inside each job still protects shared state. Submit
// does not block the caller beyond acquiring a slot; use Wait to block
// for completion of every job submitted so far.
func (p *Pool) Submit(ctx context.Context, id string, fn func(context.Context) error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.group.Go(func() error {
		p.mu.Lock()
		if _, dup := p.running[id]; dup {
			slog.WarnContext(ctx, "taskpool: duplicate teardown job for container, running anyway", "container_id", id)
		}
		p.running[id] = struct{}{}
		p.mu.Unlock()

		defer func() {
			p.mu.Lock()
			delete(p.running, id)
			p.mu.Unlock()
		}()

		if err := fn(ctx); err != nil {
			slog.ErrorContext(ctx, "taskpool: job failed", "container_id", id, "error", err)
			return err
		}
		return nil
	})
}

// Wait blocks until every submitted job has completed and returns the
// first error encountered, if any. The pool is reusable after Wait
// returns: a fresh errgroup is installed so later Submit calls start a
// new wave.
func (p *Pool) Wait() error {
	err := p.group.Wait()

	p.mu.Lock()
	g := &errgroup.Group{}
	g.SetLimit(p.size)
	p.group = g
	p.mu.Unlock()

	return err
}

// Shutdown marks the pool closed; subsequent Submit calls are no-ops. It
// does not cancel in-flight jobs — callers should cancel their context
// and then Wait.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}
