package core

import (
	"context"
	"sync"
)

// Availability gates the daemon's own background traffic, such as endpoint
// lookups. The state machine pauses it while traffic is blocked so the
// daemon does not hammer a firewall that will drop every packet.
type Availability struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

// NewAvailability returns an open gate.
func NewAvailability() *Availability {
	open := make(chan struct{})
	close(open)
	return &Availability{open: open}
}

// Pause closes the gate. Waiters block until Resume.
func (a *Availability) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return
	}
	a.paused = true
	a.open = make(chan struct{})
	log.Debug("background traffic paused")
}

// Resume opens the gate and releases waiters.
func (a *Availability) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.open)
	log.Debug("background traffic resumed")
}

// Paused reports whether the gate is closed.
func (a *Availability) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Wait blocks until the gate is open or ctx is done.
func (a *Availability) Wait(ctx context.Context) error {
	a.mu.Lock()
	open := a.open
	a.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
