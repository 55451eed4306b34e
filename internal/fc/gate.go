package fc

import (
	"context"
	"sync"
)

// gate is a FIFO mutual-exclusion gate. Holders are identified by a token
// so that a forced release invalidates the old holder: its later release
// is ignored instead of freeing the gate under the new holder.
type gate struct {
	mu      sync.Mutex
	holder  uint64 // 0 when free
	seq     uint64
	waiters []chan uint64
}

func (g *gate) acquire(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	if g.holder == 0 && len(g.waiters) == 0 {
		g.seq++
		g.holder = g.seq
		tok := g.holder
		g.mu.Unlock()
		return tok, nil
	}
	w := make(chan uint64, 1)
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case tok := <-w:
		return tok, nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	for i, x := range g.waiters {
		if x == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return 0, ctx.Err()
		}
	}
	g.mu.Unlock()

	// Handed off concurrently with the cancellation; pass it on.
	g.release(<-w)
	return 0, ctx.Err()
}

// release frees the gate if tok still holds it and reports whether it did.
func (g *gate) release(tok uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tok == 0 || g.holder != tok {
		return false
	}
	g.handoff()
	return true
}

// forceRelease takes the gate away from its current holder.
func (g *gate) forceRelease() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != 0 {
		g.handoff()
	}
}

func (g *gate) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder != 0
}

func (g *gate) handoff() {
	if len(g.waiters) == 0 {
		g.holder = 0
		return
	}
	w := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.seq++
	g.holder = g.seq
	w <- g.holder
}
