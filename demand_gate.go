package httpflow

import (
	"context"
	"sync"
)

// demandGate is a counting semaphore tracking a subscriber's outstanding
// demand: a sync.Cond wait/signal pair the read pump blocks on until the
// subscriber requests more chunks.
type demandGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	demand int64
	closed bool
}

func newDemandGate() *demandGate {
	g := &demandGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// add increases outstanding demand by n and wakes any waiter.
func (g *demandGate) add(n int64) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.demand += n
	g.mu.Unlock()
	g.cond.Broadcast()
}

// current returns the outstanding demand without consuming it.
func (g *demandGate) current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.demand
}

// close wakes any waiter permanently, used on cancellation.
func (g *demandGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// wait blocks until demand is positive (consuming one unit of it) or ctx is
// done or the gate is closed, returning false in the latter two cases.
func (g *demandGate) wait(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, g.cond.Broadcast)
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.demand <= 0 && !g.closed && ctx.Err() == nil {
		g.cond.Wait()
	}
	if g.closed || ctx.Err() != nil {
		return false
	}
	g.demand--
	return true
}
