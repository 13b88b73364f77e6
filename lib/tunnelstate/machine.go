package tunnelstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/metrics"
	"github.com/go-i2p/tunlock/lib/resilience"
)

// Config configures a Machine.
type Config struct {
	// Retry is the backoff applied before reconnect attempts.
	Retry resilience.Backoff
	// CloseTimeout bounds a graceful tunnel close before Kill is used.
	// Zero waits indefinitely.
	CloseTimeout time.Duration

	// Initial settings, normally loaded from persisted configuration.
	AllowLAN              bool
	BlockWhenDisconnected bool

	// SubscriberBuffer is the per-subscriber transition buffer.
	SubscriberBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{
		Retry:            resilience.DefaultBackoff(),
		CloseTimeout:     10 * time.Second,
		SubscriberBuffer: 64,
	}
}

// sharedValues is the context every state works against. It is only ever
// touched from the machine's own goroutine.
type sharedValues struct {
	allowLAN              bool
	blockWhenDisconnected bool
	isOffline             bool
	// target is the most recent Connect, used by Reconnect and offline recovery.
	target *TunnelParameters

	firewall  Firewall
	tunnels   TunnelMonitor
	dns       DNS
	routes    RouteManager
	split     SplitTunnel
	api       APIAvailability
	blackhole Blackhole
}

// Machine is the tunnel state machine. All state lives on the goroutine
// running Run; other goroutines talk to it through Enqueue and Subscribe.
type Machine struct {
	cfg    Config
	logger *slog.Logger
	shared sharedValues

	mu     sync.Mutex
	queue  []Command
	notify chan struct{}

	current    *state
	generation uint64
	seq        uint64
	last       TunnelStateTransition
	tunnelCtx  context.Context

	snapshot    atomic.Pointer[TunnelStateTransition]
	broadcaster *broadcaster
	running     atomic.Bool

	// onTransition observes every published transition on the machine goroutine.
	onTransition func(TunnelStateTransition)
}

// New creates a machine in the Disconnected state. The machine does not touch
// any collaborator until Run is called.
func New(cfg Config, c Collaborators) (*Machine, error) {
	if c.Firewall == nil {
		return nil, fmt.Errorf("tunnelstate: firewall %w", apperrors.ErrInvalidInput)
	}
	if c.Tunnels == nil {
		return nil, fmt.Errorf("tunnelstate: tunnel monitor %w", apperrors.ErrInvalidInput)
	}
	if c.DNS == nil {
		c.DNS = nopDNS{}
	}
	if c.Routes == nil {
		c.Routes = nopRoutes{}
	}
	if c.SplitTunnel == nil {
		c.SplitTunnel = nopSplitTunnel{}
	}
	if c.API == nil {
		c.API = nopAPI{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Machine{
		cfg:    cfg,
		logger: logger.With("component", "tunnelstate"),
		shared: sharedValues{
			allowLAN:              cfg.AllowLAN,
			blockWhenDisconnected: cfg.BlockWhenDisconnected,
			firewall:              c.Firewall,
			tunnels:               c.Tunnels,
			dns:                   c.DNS,
			routes:                c.Routes,
			split:                 c.SplitTunnel,
			api:                   c.API,
			blackhole:             c.Blackhole,
		},
		notify:      make(chan struct{}, 1),
		broadcaster: newBroadcaster(cfg.SubscriberBuffer),
	}
	initial := disconnectedState().transition()
	initial.Locked = cfg.BlockWhenDisconnected
	m.snapshot.Store(&initial)
	return m, nil
}

// Enqueue adds a command to the back of the queue. It never blocks.
func (m *Machine) Enqueue(cmd Command) {
	if cmd == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, cmd)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Machine) dequeue() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, false
	}
	cmd := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if len(m.queue) > 0 {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return cmd, true
}

// Subscribe returns a stream of transitions and a function that ends the
// subscription. The stream is closed when the machine stops.
func (m *Machine) Subscribe() (<-chan TunnelStateTransition, func()) {
	return m.broadcaster.subscribe()
}

// Snapshot returns the most recently broadcast transition.
func (m *Machine) Snapshot() TunnelStateTransition {
	return *m.snapshot.Load()
}

// DroppedTransitions returns how many transitions slow subscribers missed.
func (m *Machine) DroppedTransitions() uint64 {
	return m.broadcaster.dropped()
}

// Run drives the machine until ctx is cancelled. On return any live tunnel
// has been closed and the firewall is left according to the
// block-when-disconnected setting.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("tunnelstate: already running: %w", apperrors.ErrInvalidState)
	}
	// Tunnels outlive ctx until they have been closed explicitly.
	m.tunnelCtx = context.WithoutCancel(ctx)

	m.logger.Info("starting tunnel state machine",
		"allow_lan", m.shared.allowLAN,
		"block_when_disconnected", m.shared.blockWhenDisconnected)

	m.current = m.enter(disconnectedState())
	m.publish()

	for {
		in, ok := m.wait(ctx)
		if !ok {
			m.shutdown()
			return nil
		}
		m.apply(m.handle(in))
	}
}

// wait blocks on the sources relevant to the current state.
func (m *Machine) wait(ctx context.Context) (input, bool) {
	s := m.current

	var (
		events       <-chan TunnelEvent
		done         <-chan struct{}
		retry        <-chan time.Time
		closeTimeout <-chan time.Time
	)
	switch s.kind {
	case StateConnecting, StateConnected:
		if s.tunnel != nil {
			events = s.tunnel.events
			done = s.tunnel.Done()
		}
		if s.retryTimer != nil {
			retry = s.retryTimer.C
		}
	case StateDisconnecting:
		done = closedChan
		if s.tunnel != nil {
			done = s.tunnel.Done()
		}
		if s.closeTimer != nil {
			closeTimeout = s.closeTimer.C
		}
	}

	select {
	case <-ctx.Done():
		return input{}, false
	case <-m.notify:
		cmd, ok := m.dequeue()
		if !ok {
			return input{kind: inputNone}, true
		}
		return input{kind: inputCommand, cmd: cmd}, true
	case ev, ok := <-events:
		if !ok {
			// The close future reports why; stop polling a closed stream.
			s.tunnel.events = nil
			return input{kind: inputNone}, true
		}
		return input{kind: inputEvent, event: ev}, true
	case <-done:
		return input{kind: inputClosed}, true
	case <-retry:
		s.retryTimer = nil
		return input{kind: inputRetry}, true
	case <-closeTimeout:
		s.closeTimer = nil
		return input{kind: inputCloseTimeout}, true
	}
}

// handle dispatches one input to the current state's transition function.
func (m *Machine) handle(in input) eventConsequence {
	s := m.current

	switch in.kind {
	case inputNone:
		return nothing()
	case inputEvent:
		if s.tunnel == nil || in.event.Generation != s.tunnel.generation {
			metrics.StaleEvents.Inc()
			m.logger.Debug("discarding event from superseded tunnel",
				"event", in.event.Kind, "generation", in.event.Generation)
			return nothing()
		}
	case inputCommand:
		m.logger.Debug("handling command", "state", s.kind, "command", fmt.Sprintf("%T", in.cmd))
	}

	switch s.kind {
	case StateDisconnected:
		return m.handleDisconnected(s, in)
	case StateConnecting:
		return m.handleConnecting(s, in)
	case StateConnected:
		return m.handleConnected(s, in)
	case StateDisconnecting:
		return m.handleDisconnecting(s, in)
	case StateError:
		return m.handleError(s, in)
	default:
		panic(fmt.Sprintf("tunnelstate: unknown state %d", s.kind))
	}
}

func (m *Machine) apply(c eventConsequence) {
	switch c.kind {
	case noEvents:
	case sameState:
		m.publishIfChanged()
	case newState:
		m.exit(m.current)
		m.current = m.enter(c.next)
		m.publish()
	}
}

// enter runs the entry side effects of s and returns the state that is
// actually current afterwards; entry may divert to another state.
func (m *Machine) enter(s *state) *state {
	switch s.kind {
	case StateDisconnected:
		return m.enterDisconnected(s)
	case StateConnecting:
		return m.enterConnecting(s)
	case StateConnected:
		return m.enterConnected(s)
	case StateDisconnecting:
		return m.enterDisconnecting(s)
	case StateError:
		return m.enterError(s)
	default:
		panic(fmt.Sprintf("tunnelstate: unknown state %d", s.kind))
	}
}

func (m *Machine) exit(s *state) {
	switch s.kind {
	case StateConnecting:
		stopTimer(s.retryTimer)
	case StateConnected:
		m.resetDNS()
		m.clearRoutes()
	case StateDisconnecting:
		stopTimer(s.closeTimer)
	case StateError:
		m.releaseBlackhole(s)
	}
}

func (m *Machine) publish() {
	t := m.current.transition()
	m.seq++
	t.Seq = m.seq
	m.last = t
	m.snapshot.Store(&t)

	metrics.TunnelState.Set(float64(t.State))
	metrics.Transitions.WithLabelValues(t.State.String()).Inc()
	switch t.State {
	case StateConnecting:
		metrics.RetryAttempt.Set(float64(t.RetryAttempt))
	case StateConnected, StateDisconnected:
		metrics.RetryAttempt.Set(0)
	}

	attrs := []any{"state", t.State, "seq", t.Seq}
	switch t.State {
	case StateConnecting:
		attrs = append(attrs, "endpoint", t.Endpoint, "retry_attempt", t.RetryAttempt)
	case StateConnected:
		attrs = append(attrs, "endpoint", t.Endpoint, "interface", t.Metadata.Interface)
	case StateDisconnecting:
		attrs = append(attrs, "after", t.After)
	case StateError:
		attrs = append(attrs, "cause", t.Cause)
		if t.BlockFailure != "" {
			attrs = append(attrs, "block_failure", t.BlockFailure)
		}
	case StateDisconnected:
		attrs = append(attrs, "locked", t.Locked)
	}
	m.logger.Info("tunnel state transition", attrs...)

	if m.onTransition != nil {
		m.onTransition(t)
	}
	m.broadcaster.send(t)
}

// publishIfChanged re-broadcasts after a SameState whose projection changed.
func (m *Machine) publishIfChanged() {
	if !sameProjection(m.current.transition(), m.last) {
		m.publish()
	}
}

// shutdown closes any live tunnel and settles the firewall.
func (m *Machine) shutdown() {
	s := m.current
	m.logger.Info("stopping tunnel state machine", "state", s.kind)

	stopTimer(s.retryTimer)
	stopTimer(s.closeTimer)
	if s.tunnel != nil {
		s.tunnel.Close()
		m.awaitClose(s.tunnel)
	}
	if s.kind == StateConnected {
		m.resetDNS()
		m.clearRoutes()
	}
	m.releaseBlackhole(s)

	m.current = m.enterDisconnected(disconnectedState())
	m.publish()
	m.broadcaster.close()
}

// awaitClose waits for t to close during shutdown, escalating to Kill and
// finally giving up after twice the close timeout.
func (m *Machine) awaitClose(t *activeTunnel) {
	if m.cfg.CloseTimeout <= 0 {
		<-t.Done()
		return
	}

	timer := time.NewTimer(m.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return
	case <-timer.C:
	}

	m.killTunnel(t)
	timer.Reset(m.cfg.CloseTimeout)
	select {
	case <-t.Done():
	case <-timer.C:
		m.logger.Error("tunnel did not close, abandoning it", "generation", t.generation)
	}
}

func (m *Machine) killTunnel(t *activeTunnel) {
	k, ok := t.Tunnel.(Killer)
	if !ok {
		m.logger.Error("tunnel close timed out and the tunnel cannot be killed, still waiting",
			"generation", t.generation)
		return
	}
	m.logger.Warn("tunnel close timed out, killing it", "generation", t.generation)
	metrics.TunnelKills.Inc()
	k.Kill()
}

// startTunnel starts a new tunnel attempt for s.
func (m *Machine) startTunnel(s *state) error {
	m.generation++
	gen := m.generation

	t, err := m.shared.tunnels.Start(m.tunnelCtx, s.params, gen)
	if err != nil {
		metrics.TunnelStarts.WithLabelValues("error").Inc()
		m.logger.Error("failed to start tunnel",
			"endpoint", s.params.Endpoint, "generation", gen, "error", err)
		return err
	}
	metrics.TunnelStarts.WithLabelValues("ok").Inc()
	m.logger.Debug("tunnel started", "endpoint", s.params.Endpoint, "generation", gen)

	s.tunnel = &activeTunnel{Tunnel: t, generation: gen, events: t.Events()}
	return nil
}

// afterUnexpectedClose picks the follow-up for a tunnel that closed on its own.
func (m *Machine) afterUnexpectedClose(s *state) AfterDisconnect {
	err := s.tunnel.Err()
	if cause, ok := userActionable(err); ok {
		m.logger.Error("tunnel closed with unrecoverable error", "cause", cause, "error", err)
		return afterBlock(cause)
	}
	if errors.Is(err, apperrors.ErrTunnelStart) {
		m.logger.Error("tunnel device could not be created", "error", err)
		return afterBlock(CauseStartTunnelError)
	}
	m.logger.Warn("tunnel closed unexpectedly, reconnecting",
		"retry_attempt", s.retryAttempt+1, "error", err)
	return afterReconnect(s.params, s.retryAttempt+1)
}

// updateSetting applies an AllowLan or BlockWhenDisconnected command and
// reports whether the value changed.
func (m *Machine) updateSetting(cmd Command) bool {
	switch c := cmd.(type) {
	case AllowLan:
		if m.shared.allowLAN == c.Allow {
			return false
		}
		m.shared.allowLAN = c.Allow
	case BlockWhenDisconnected:
		if m.shared.blockWhenDisconnected == c.Block {
			return false
		}
		m.shared.blockWhenDisconnected = c.Block
	default:
		return false
	}
	return true
}

func (m *Machine) setTarget(p TunnelParameters) {
	m.shared.target = &p
}

func (m *Machine) setExcluded(pids []int) {
	pids = slices.Clone(pids)
	if err := m.shared.split.SetExcluded(pids); err != nil {
		m.logger.Warn("failed to update excluded processes", "count", len(pids), "error", err)
	}
}

func (m *Machine) applyPolicy(p Policy) error {
	if err := m.shared.firewall.ApplyPolicy(p); err != nil {
		metrics.FirewallFailures.Inc()
		m.logger.Error("failed to apply firewall policy", "policy", p.Kind, "error", err)
		return fmt.Errorf("%w: %w", apperrors.ErrFirewallApply, err)
	}
	return nil
}

// applyTunnelPolicy applies the Connecting or Connected policy. A host without
// a packet filter still connects: the tunnel routes carry the traffic, and
// the blackhole takes over whenever the machine blocks.
func (m *Machine) applyTunnelPolicy(p Policy) error {
	err := m.applyPolicy(p)
	if errors.Is(err, apperrors.ErrFirewallUnavailable) {
		m.logger.Warn("no packet filter, relying on tunnel routes", "policy", p.Kind)
		return nil
	}
	return err
}

func (m *Machine) connectingPolicy(p TunnelParameters) Policy {
	return Policy{
		Kind:     PolicyConnecting,
		AllowLAN: m.shared.allowLAN,
		Endpoint: p.Endpoint,
		Protocol: p.Protocol,
	}
}

func (m *Machine) connectedPolicy(s *state) Policy {
	return Policy{
		Kind:      PolicyConnected,
		AllowLAN:  m.shared.allowLAN,
		Endpoint:  s.params.Endpoint,
		Protocol:  s.params.Protocol,
		Interface: s.metadata.Interface,
	}
}

func (m *Machine) resetDNS() {
	if err := m.shared.dns.Reset(); err != nil {
		m.logger.Warn("failed to reset DNS", "error", err)
	}
}

func (m *Machine) clearRoutes() {
	if err := m.shared.routes.Clear(); err != nil {
		m.logger.Warn("failed to clear routes", "error", err)
	}
}
