package syncx

import (
	"context"
	"sync"
	"sync/atomic"
)

// Group tracks background validation jobs: goroutines that share one
// cancellable context, report how many are still in flight, and can be
// waited for (without cancelling) or stopped (cancel then wait).
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32
}

func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn on the group's context and counts it as in flight until it
// returns.
func (g *Group) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		fn(g.ctx)
	}()
}

// Active returns the number of jobs currently in flight. Snapshot only; it
// may be stale by the time the caller acts on it.
func (g *Group) Active() int {
	return int(g.active.Load())
}

// Wait blocks until all started jobs have returned, without cancelling.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Stop cancels the shared context and waits for all jobs to exit.
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}
