package downloader

import (
	"context"
	"sync"
)

// PauseGate suspends workers cooperatively. While paused, Wait blocks until
// Resume releases every waiter at once or the context ends. The zero value
// is a running gate.
type PauseGate struct {
	mu      sync.Mutex
	resumed chan struct{} // nil while running
}

// NewPauseGate returns a running gate
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause makes later Wait calls block. Pausing a paused gate does nothing.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed == nil {
		g.resumed = make(chan struct{})
	}
}

// Resume releases all waiters
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed != nil {
		close(g.resumed)
		g.resumed = nil
	}
}

// Toggle flips between paused and running and reports the new state
func (g *PauseGate) Toggle() (paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumed == nil {
		g.resumed = make(chan struct{})
		return true
	}
	close(g.resumed)
	g.resumed = nil
	return false
}

// IsPaused reports whether the gate is paused
func (g *PauseGate) IsPaused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumed != nil
}

// Wait returns immediately when running. Otherwise it blocks until Resume
// or until ctx is done, in which case it returns ctx.Err(). A nil gate
// never pauses.
func (g *PauseGate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	g.mu.Lock()
	ch := g.resumed
	g.mu.Unlock()

	if ch == nil {
		return ctx.Err()
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
