// Package testutil provides in-memory collaborators and a harness for
// exercising the tunnel state machine and the daemon without touching the
// host's firewall, resolver or routing table.
package testutil

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// ErrKilled is reported by a FakeTunnel that was force-killed.
var ErrKilled = errors.New("testutil: tunnel killed")

// FakeFirewall records every policy it is asked to install.
type FakeFirewall struct {
	mu      sync.Mutex
	applied []tunnelstate.Policy
	current *tunnelstate.Policy
	resets  int
	err     error
}

// ApplyPolicy implements tunnelstate.Firewall.
func (f *FakeFirewall) ApplyPolicy(p tunnelstate.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, p)
	f.current = &p
	return nil
}

// ResetPolicy implements tunnelstate.Firewall.
func (f *FakeFirewall) ResetPolicy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resets++
	f.current = nil
	return nil
}

// FailWith makes every following call fail with err. Nil restores success.
func (f *FakeFirewall) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Current returns the installed policy; ok is false after a reset.
func (f *FakeFirewall) Current() (tunnelstate.Policy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return tunnelstate.Policy{}, false
	}
	return *f.current, true
}

// Applied returns every successfully applied policy in order.
func (f *FakeFirewall) Applied() []tunnelstate.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.applied)
}

// Resets returns how many times the firewall was reset.
func (f *FakeFirewall) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// FakeTunnelMonitor hands out FakeTunnels and checks that at most one is
// alive at any time.
type FakeTunnelMonitor struct {
	mu        sync.Mutex
	tunnels   []*FakeTunnel
	startErr  error
	holdClose bool
	alive     int
	overlaps  int
	started   chan *FakeTunnel
}

// NewFakeTunnelMonitor creates a monitor whose tunnels close as soon as
// Close is called.
func NewFakeTunnelMonitor() *FakeTunnelMonitor {
	return &FakeTunnelMonitor{started: make(chan *FakeTunnel, 256)}
}

// Start implements tunnelstate.TunnelMonitor.
func (m *FakeTunnelMonitor) Start(_ context.Context, params tunnelstate.TunnelParameters, generation uint64) (tunnelstate.Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.alive > 0 {
		m.overlaps++
	}
	m.alive++

	t := &FakeTunnel{
		Params:     params,
		Generation: generation,
		events:     make(chan tunnelstate.TunnelEvent, 16),
		done:       make(chan struct{}),
		hold:       m.holdClose,
		monitor:    m,
	}
	m.tunnels = append(m.tunnels, t)
	select {
	case m.started <- t:
	default:
	}
	return t, nil
}

// FailStarts makes Start fail with err. Nil restores success.
func (m *FakeTunnelMonitor) FailStarts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// HoldClose makes new tunnels ignore Close until Finish or Kill.
func (m *FakeTunnelMonitor) HoldClose(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdClose = hold
}

// Started delivers every tunnel as it is started.
func (m *FakeTunnelMonitor) Started() <-chan *FakeTunnel {
	return m.started
}

// StartCount returns how many tunnels were started.
func (m *FakeTunnelMonitor) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// Last returns the most recently started tunnel, or nil.
func (m *FakeTunnelMonitor) Last() *FakeTunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tunnels) == 0 {
		return nil
	}
	return m.tunnels[len(m.tunnels)-1]
}

// Overlaps returns how many tunnels were started while another was alive.
func (m *FakeTunnelMonitor) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// Alive returns the number of tunnels not yet closed.
func (m *FakeTunnelMonitor) Alive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// FakeTunnel is a scripted tunnel attempt.
type FakeTunnel struct {
	Params     tunnelstate.TunnelParameters
	Generation uint64

	events  chan tunnelstate.TunnelEvent
	done    chan struct{}
	monitor *FakeTunnelMonitor

	mu             sync.Mutex
	err            error
	finished       bool
	hold           bool
	closeRequested bool
	killed         bool
}

// Events implements tunnelstate.Tunnel.
func (t *FakeTunnel) Events() <-chan tunnelstate.TunnelEvent { return t.events }

// Done implements tunnelstate.Tunnel.
func (t *FakeTunnel) Done() <-chan struct{} { return t.done }

// Err implements tunnelstate.Tunnel.
func (t *FakeTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close implements tunnelstate.Tunnel.
func (t *FakeTunnel) Close() {
	t.mu.Lock()
	t.closeRequested = true
	hold := t.hold
	t.mu.Unlock()

	if !hold {
		t.Finish(nil)
	}
}

// Kill implements tunnelstate.Killer.
func (t *FakeTunnel) Kill() {
	t.mu.Lock()
	t.killed = true
	t.mu.Unlock()
	t.Finish(ErrKilled)
}

// Up reports a completed handshake.
func (t *FakeTunnel) Up(md tunnelstate.TunnelMetadata) {
	t.Emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventUp, Metadata: md, Generation: t.Generation})
}

// Down reports a lost tunnel without closing it.
func (t *FakeTunnel) Down() {
	t.Emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventDown, Generation: t.Generation})
}

// Emit delivers ev unless the tunnel has finished or the buffer is full.
func (t *FakeTunnel) Emit(ev tunnelstate.TunnelEvent) {
	select {
	case <-t.done:
	case t.events <- ev:
	default:
	}
}

// Crash closes the tunnel on its own with err.
func (t *FakeTunnel) Crash(err error) {
	t.Finish(err)
}

// Finish resolves the close future with err. Later calls are ignored.
func (t *FakeTunnel) Finish(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.err = err
	t.mu.Unlock()

	t.monitor.mu.Lock()
	t.monitor.alive--
	t.monitor.mu.Unlock()

	close(t.done)
}

// CloseRequested reports whether Close was called.
func (t *FakeTunnel) CloseRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeRequested
}

// Killed reports whether Kill was called.
func (t *FakeTunnel) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// FakeDNS records resolver changes.
type FakeDNS struct {
	mu         sync.Mutex
	iface      string
	servers    []netip.Addr
	sets       int
	resets     int
	setErr     error
	configured bool
}

// Set implements tunnelstate.DNS.
func (d *FakeDNS) Set(iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	d.iface = iface
	d.servers = slices.Clone(servers)
	d.sets++
	d.configured = true
	return nil
}

// Reset implements tunnelstate.DNS.
func (d *FakeDNS) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.configured = false
	return nil
}

// FailSet makes Set fail with err.
func (d *FakeDNS) FailSet(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setErr = err
}

// Configured reports whether tunnel DNS is currently in effect.
func (d *FakeDNS) Configured() (string, []netip.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iface, slices.Clone(d.servers), d.configured
}

// FakeRoutes records route changes.
type FakeRoutes struct {
	mu       sync.Mutex
	current  *tunnelstate.Routes
	applies  int
	clears   int
	applyErr error
}

// Apply implements tunnelstate.RouteManager.
func (r *FakeRoutes) Apply(routes tunnelstate.Routes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	r.current = &routes
	r.applies++
	return nil
}

// Clear implements tunnelstate.RouteManager.
func (r *FakeRoutes) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.clears++
	return nil
}

// FailApply makes Apply fail with err.
func (r *FakeRoutes) FailApply(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyErr = err
}

// Current returns the installed routes.
func (r *FakeRoutes) Current() (tunnelstate.Routes, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return tunnelstate.Routes{}, false
	}
	return *r.current, true
}

// FakeSplitTunnel records the excluded process set.
type FakeSplitTunnel struct {
	mu   sync.Mutex
	pids []int
}

// SetExcluded implements tunnelstate.SplitTunnel.
func (s *FakeSplitTunnel) SetExcluded(pids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids = slices.Clone(pids)
	return nil
}

// Excluded returns the last excluded set.
func (s *FakeSplitTunnel) Excluded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pids)
}

// FakeAPI tracks whether background API traffic is paused.
type FakeAPI struct {
	mu     sync.Mutex
	paused bool
}

// Pause implements tunnelstate.APIAvailability.
func (a *FakeAPI) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume implements tunnelstate.APIAvailability.
func (a *FakeAPI) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// Paused reports the current gate state.
func (a *FakeAPI) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// FakeBlackhole tracks whether the device-level fallback is engaged.
type FakeBlackhole struct {
	mu       sync.Mutex
	engaged  bool
	engages  int
	releases int
}

// Engage implements tunnelstate.Blackhole.
func (b *FakeBlackhole) Engage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engaged = true
	b.engages++
	return nil
}

// Release implements tunnelstate.Blackhole.
func (b *FakeBlackhole) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engaged = false
	b.releases++
	return nil
}

// Engaged reports whether the blackhole is active.
func (b *FakeBlackhole) Engaged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engaged
}
