// Package firewall installs the packet filter policies requested by the tunnel
// state machine. The Linux backend renders a single nftables table per policy
// and swaps it in atomically, so there is never a window without a policy.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// DefaultTable is the nftables table owned by tunlock.
const DefaultTable = "tunlock"

// Config configures the nftables backend.
type Config struct {
	// Table is the inet table name. Defaults to DefaultTable.
	Table string
	// NFTPath is the nft binary. Defaults to "nft" looked up in PATH.
	NFTPath string
	// SplitTunnelClassID is the net_cls class of excluded processes.
	// Zero disables the exclusion rule.
	SplitTunnelClassID uint32
	// Timeout bounds a single nft invocation.
	Timeout time.Duration
}

// runFirewallCommand executes nft with the ruleset on stdin.
// Tests replace it to capture rulesets.
var runFirewallCommand = func(ctx context.Context, path, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// NFTables applies policies through the nft command line tool.
type NFTables struct {
	mu      sync.Mutex
	cfg     Config
	current *tunnelstate.Policy
}

// NewNFTables creates an nftables backend. It fails with
// ErrFirewallUnavailable when the nft binary cannot be found.
func NewNFTables(cfg Config) (*NFTables, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.NFTPath == "" {
		cfg.NFTPath = "nft"
	}
	path, err := lookPath(cfg.NFTPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrFirewallUnavailable, err)
	}
	cfg.NFTPath = path
	return &NFTables{cfg: cfg}, nil
}

// ApplyPolicy replaces the installed ruleset with one rendering p.
func (n *NFTables) ApplyPolicy(p tunnelstate.Policy) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	script := replaceTable(n.cfg.Table) + render(n.cfg, p)
	if err := n.load(script); err != nil {
		log.WithError(err).WithField("policy", p.Kind.String()).Warn("failed to apply firewall policy")
		return err
	}
	n.current = &p
	log.WithField("policy", p.Kind.String()).WithField("allow_lan", p.AllowLAN).Debug("applied firewall policy")
	return nil
}

// ResetPolicy removes the tunlock table, restoring the host's own rules.
func (n *NFTables) ResetPolicy() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.load(replaceTable(n.cfg.Table)); err != nil {
		log.WithError(err).Warn("failed to reset firewall policy")
		return err
	}
	n.current = nil
	log.Debug("reset firewall policy")
	return nil
}

// Current returns the last successfully applied policy.
func (n *NFTables) Current() (tunnelstate.Policy, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return tunnelstate.Policy{}, false
	}
	return *n.current, true
}

func (n *NFTables) load(script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	out, err := runFirewallCommand(ctx, n.cfg.NFTPath, script, "-f", "-")
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	if unsupported(msg) {
		return fmt.Errorf("%w: %s", apperrors.ErrFirewallUnavailable, msg)
	}
	if msg != "" {
		return fmt.Errorf("nft: %s: %w", msg, err)
	}
	return fmt.Errorf("nft: %w", err)
}

// unsupported recognises kernels without nf_tables.
func unsupported(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "protocol not supported") ||
		strings.Contains(msg, "operation not supported") ||
		strings.Contains(msg, "no such file or directory: could not process rule")
}

// None is used where no packet filter is available. Every call fails with
// ErrFirewallUnavailable so the state machine falls back to the blackhole.
type None struct{}

// ApplyPolicy always fails.
func (None) ApplyPolicy(tunnelstate.Policy) error {
	return apperrors.ErrFirewallUnavailable
}

// ResetPolicy has nothing to reset.
func (None) ResetPolicy() error { return nil }

var (
	_ tunnelstate.Firewall = (*NFTables)(nil)
	_ tunnelstate.Firewall = None{}
)
