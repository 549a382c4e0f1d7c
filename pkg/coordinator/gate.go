package coordinator

import "sync"

// gate keeps rebalance passes and client mutations mutually exclusive.
// Mutations hold the gate open through enter/exit; a pass closes it in
// beginRebalance, which returns once every in-flight mutation has exited.
type gate struct {
	mu          sync.Mutex
	cond        *sync.Cond
	rebalancing bool
	inflight    int
	generation  uint64
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// enter blocks while a pass is active, then registers a mutation.
func (g *gate) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.rebalancing {
		g.cond.Wait()
	}
	g.inflight++
}

func (g *gate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if g.inflight == 0 {
		g.cond.Broadcast()
	}
}

// wait blocks while a pass is active.
func (g *gate) wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.rebalancing {
		g.cond.Wait()
	}
}

// beginRebalance closes the gate to new mutations and waits for the in-flight
// ones to drain.
func (g *gate) beginRebalance() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.rebalancing {
		g.cond.Wait()
	}
	g.rebalancing = true
	for g.inflight > 0 {
		g.cond.Wait()
	}
}

func (g *gate) endRebalance() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rebalancing = false
	g.generation++
	g.cond.Broadcast()
}

// state reports whether a pass is active and how many have completed.
func (g *gate) state() (bool, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rebalancing, g.generation
}
