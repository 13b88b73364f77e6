// Package offline detects whether the host has any usable route to the
// internet and reports changes to the tunnel state machine.
package offline

import (
	"context"
	"sync"

	"github.com/go-i2p/tunlock/lib/metrics"
)

// Monitor watches host connectivity.
type Monitor interface {
	// Start begins monitoring. The callback passed at construction is only
	// invoked when the offline state changes.
	Start(ctx context.Context) error
	Stop()
	Offline() bool
}

// reporter deduplicates offline notifications. The host is presumed online
// until a check says otherwise.
type reporter struct {
	mu       sync.Mutex
	offline  bool
	callback func(offline bool)
}

func newReporter(cb func(offline bool)) *reporter {
	return &reporter{callback: cb}
}

func (r *reporter) report(offline bool) {
	r.mu.Lock()
	if r.offline == offline {
		r.mu.Unlock()
		return
	}
	r.offline = offline
	cb := r.callback
	r.mu.Unlock()

	metrics.Offline.Set(metrics.BoolValue(offline))
	log.WithField("offline", offline).Info("connectivity changed")
	if cb != nil {
		cb(offline)
	}
}

func (r *reporter) current() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}
