// Package dns points the system resolver at the tunnel's DNS servers through
// systemd-resolved.
package dns

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// runResolvectl is replaced in tests.
var runResolvectl = func(ctx context.Context, path string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, path, args...).CombinedOutput()
}

// Resolved configures per-link DNS with resolvectl.
type Resolved struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
	// iface is the link currently configured, empty when none is.
	iface string
}

// NewResolved returns a resolvectl-backed DNS manager. An empty path
// defaults to "resolvectl" in PATH.
func NewResolved(path string) *Resolved {
	if path == "" {
		path = "resolvectl"
	}
	return &Resolved{path: path, timeout: 5 * time.Second}
}

// Set makes servers the resolvers for iface and routes every lookup domain
// through that link.
func (r *Resolved) Set(iface string, servers []netip.Addr) error {
	if iface == "" {
		return fmt.Errorf("%w: empty interface name", apperrors.ErrInvalidInput)
	}
	if len(servers) == 0 {
		return fmt.Errorf("%w: no DNS servers", apperrors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.iface != "" && r.iface != iface {
		if err := r.run("revert", r.iface); err != nil {
			log.WithError(err).WithField("interface", r.iface).Warn("failed to revert previous DNS link")
		}
	}

	args := []string{"dns", iface}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if err := r.run(args...); err != nil {
		return err
	}
	r.iface = iface
	if err := r.run("domain", iface, "~."); err != nil {
		return err
	}
	if err := r.run("default-route", iface, "yes"); err != nil {
		// Older resolved versions lack default-route; the ~. domain suffices.
		log.WithError(err).Debug("resolvectl default-route not supported")
	}
	log.WithField("interface", iface).WithField("servers", servers).Info("configured tunnel DNS")
	return nil
}

// Reset reverts the link configured by Set. It is a no-op when nothing is set.
func (r *Resolved) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.iface == "" {
		return nil
	}
	if err := r.run("revert", r.iface); err != nil {
		return err
	}
	log.WithField("interface", r.iface).Debug("reverted tunnel DNS")
	r.iface = ""
	return nil
}

func (r *Resolved) run(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	out, err := runResolvectl(ctx, r.path, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("resolvectl %s: %s: %w", args[0], msg, err)
		}
		return fmt.Errorf("resolvectl %s: %w", args[0], err)
	}
	return nil
}

var _ tunnelstate.DNS = (*Resolved)(nil)
