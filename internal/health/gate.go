package health

import (
	"context"
	"sync"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

const defaultDrainReason = "draining"

// ShutdownGate fails readiness once Set is called. The zero value is open.
type ShutdownGate struct {
	mu     sync.RWMutex
	closed bool
	reason string
}

// Set closes the gate. An empty reason reports as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = defaultDrainReason
	}
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

// Draining reports whether the gate is closed.
func (g *ShutdownGate) Draining() bool {
	_, closed := g.state()
	return closed
}

func (g *ShutdownGate) state() (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason, g.closed
}

// Probe fails with the Set reason while the gate is closed.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if reason, closed := g.state(); closed {
			return xerrors.New(reason)
		}
		return nil
	}
}
