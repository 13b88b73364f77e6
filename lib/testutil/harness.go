package testutil

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// DefaultWait bounds how long harness expectations wait for a transition.
const DefaultWait = 2 * time.Second

// MachineHarness runs a tunnel state machine against fake collaborators.
type MachineHarness struct {
	Firewall  *FakeFirewall
	Tunnels   *FakeTunnelMonitor
	DNS       *FakeDNS
	Routes    *FakeRoutes
	Split     *FakeSplitTunnel
	API       *FakeAPI
	Blackhole *FakeBlackhole

	Machine *tunnelstate.Machine
	// Initial is the transition published when the machine started.
	Initial tunnelstate.TunnelStateTransition

	transitions <-chan tunnelstate.TunnelStateTransition
	cancel      context.CancelFunc
	done        chan error
}

// HarnessOption customizes a MachineHarness before the machine runs.
type HarnessOption func(*MachineHarness)

// WithBeforeRun calls fn with the machine before Run starts.
func WithBeforeRun(fn func(*tunnelstate.Machine)) HarnessOption {
	return func(h *MachineHarness) {
		fn(h.Machine)
	}
}

// QuietLogger discards machine logs in tests.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewMachineHarness builds and starts a machine. The harness is stopped
// automatically when the test ends.
func NewMachineHarness(t testing.TB, cfg tunnelstate.Config, opts ...HarnessOption) *MachineHarness {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = QuietLogger()
	}

	h := &MachineHarness{
		Firewall:  &FakeFirewall{},
		Tunnels:   NewFakeTunnelMonitor(),
		DNS:       &FakeDNS{},
		Routes:    &FakeRoutes{},
		Split:     &FakeSplitTunnel{},
		API:       &FakeAPI{},
		Blackhole: &FakeBlackhole{},
		done:      make(chan error, 1),
	}

	m, err := tunnelstate.New(cfg, h.Collaborators())
	if err != nil {
		t.Fatalf("failed to create machine: %v", err)
	}
	h.Machine = m
	h.transitions, _ = m.Subscribe()

	for _, opt := range opts {
		opt(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- m.Run(ctx)
	}()
	t.Cleanup(h.Stop)

	h.Initial = h.Expect(t, tunnelstate.StateDisconnected)
	return h
}

// Collaborators returns the fakes wired as tunnelstate collaborators.
func (h *MachineHarness) Collaborators() tunnelstate.Collaborators {
	return tunnelstate.Collaborators{
		Firewall:    h.Firewall,
		Tunnels:     h.Tunnels,
		DNS:         h.DNS,
		Routes:      h.Routes,
		SplitTunnel: h.Split,
		API:         h.API,
		Blackhole:   h.Blackhole,
	}
}

// Send enqueues commands in order.
func (h *MachineHarness) Send(cmds ...tunnelstate.Command) {
	for _, cmd := range cmds {
		h.Machine.Enqueue(cmd)
	}
}

// Next waits for the next transition.
func (h *MachineHarness) Next(t testing.TB) tunnelstate.TunnelStateTransition {
	t.Helper()
	select {
	case tr, ok := <-h.transitions:
		if !ok {
			t.Fatal("transition stream closed")
		}
		return tr
	case <-time.After(DefaultWait):
		t.Fatalf("no transition within %v", DefaultWait)
	}
	return tunnelstate.TunnelStateTransition{}
}

// Expect waits for the next transition and checks its state.
func (h *MachineHarness) Expect(t testing.TB, want tunnelstate.StateKind) tunnelstate.TunnelStateTransition {
	t.Helper()
	tr := h.Next(t)
	if tr.State != want {
		t.Fatalf("expected transition to %v, got %v (%+v)", want, tr.State, tr)
	}
	return tr
}

// ExpectSequence waits for the given states in order.
func (h *MachineHarness) ExpectSequence(t testing.TB, states ...tunnelstate.StateKind) []tunnelstate.TunnelStateTransition {
	t.Helper()
	out := make([]tunnelstate.TunnelStateTransition, 0, len(states))
	for _, s := range states {
		out = append(out, h.Expect(t, s))
	}
	return out
}

// ExpectNone checks that no transition arrives within d.
func (h *MachineHarness) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case tr, ok := <-h.transitions:
		if ok {
			t.Fatalf("unexpected transition to %v (%+v)", tr.State, tr)
		}
	case <-time.After(d):
	}
}

// WaitUntil drains transitions until one reaches want.
func (h *MachineHarness) WaitUntil(t testing.TB, want tunnelstate.StateKind) tunnelstate.TunnelStateTransition {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		select {
		case tr, ok := <-h.transitions:
			if !ok {
				t.Fatalf("transition stream closed before reaching %v", want)
			}
			if tr.State == want {
				return tr
			}
		case <-deadline:
			t.Fatalf("state %v not reached within %v", want, DefaultWait)
		}
	}
}

// NextTunnel waits for the next tunnel the machine starts.
func (h *MachineHarness) NextTunnel(t testing.TB) *FakeTunnel {
	t.Helper()
	select {
	case tun := <-h.Tunnels.Started():
		return tun
	case <-time.After(DefaultWait):
		t.Fatalf("no tunnel started within %v", DefaultWait)
	}
	return nil
}

// Stop cancels the machine and waits for Run to return. It is safe to call
// more than once.
func (h *MachineHarness) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case <-h.done:
	case <-time.After(DefaultWait):
	}
}

// Drain returns every transition still buffered after Stop, up to the
// closing of the stream.
func (h *MachineHarness) Drain() []tunnelstate.TunnelStateTransition {
	var out []tunnelstate.TunnelStateTransition
	for tr := range h.transitions {
		out = append(out, tr)
	}
	return out
}

// Params returns tunnel parameters for tests, varying by endpoint port.
func Params(port uint16) tunnelstate.TunnelParameters {
	return tunnelstate.TunnelParameters{
		Endpoint:   netip.AddrPortFrom(netip.MustParseAddr("198.51.100.7"), port),
		Protocol:   tunnelstate.ProtocolUDP,
		Addresses:  []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")},
		MTU:        1420,
	}
}

// Metadata returns tunnel metadata for tests.
func Metadata() tunnelstate.TunnelMetadata {
	return tunnelstate.TunnelMetadata{
		Interface: "tl0",
		Addresses: []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		Gateway:   netip.MustParseAddr("10.64.0.1"),
	}
}
