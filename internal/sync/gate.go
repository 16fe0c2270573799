package sync

import (
	"context"
	"sync"

	"github.com/cybertec-postgresql/localsync/internal/signals"
)

// Gate stops network work while the session is unauthorized
type Gate struct {
	mu      sync.Mutex
	blocked bool
	open    chan struct{}
	bus     *signals.Bus
}

// NewGate returns an open gate
func NewGate(bus *signals.Bus) *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open, bus: bus}
}

// Block closes the gate; the first call emits sync:blocked
func (g *Gate) Block(reason error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		return
	}
	g.blocked = true
	g.open = make(chan struct{})
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	g.bus.Emit(signals.Blocked, signals.MessageData{Message: msg})
}

// Unblock reopens the gate
func (g *Gate) Unblock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.blocked {
		return
	}
	g.blocked = false
	close(g.open)
	g.bus.Emit(signals.Unblocked, nil)
}

func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Wait returns once the gate is open or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
