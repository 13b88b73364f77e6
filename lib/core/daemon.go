package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-i2p/tunlock/i2pbind"
	"github.com/go-i2p/tunlock/lib/dns"
	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/firewall"
	"github.com/go-i2p/tunlock/lib/identity"
	"github.com/go-i2p/tunlock/lib/metrics"
	"github.com/go-i2p/tunlock/lib/offline"
	"github.com/go-i2p/tunlock/lib/routing"
	"github.com/go-i2p/tunlock/lib/splittunnel"
	"github.com/go-i2p/tunlock/lib/tunnel"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
)

// DaemonState is the lifecycle state of the daemon process itself, as
// opposed to the tunnel state.
type DaemonState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial DaemonState = iota
	// StateStarting means the daemon is in the process of starting.
	StateStarting
	// StateRunning means the state machine is running.
	StateRunning
	// StateStopping means the daemon is shutting down.
	StateStopping
	// StateStopped means the daemon has been stopped.
	StateStopped
)

func (s DaemonState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DaemonOption customizes a Daemon.
type DaemonOption func(*Daemon)

// WithCollaborators replaces the host collaborators, typically with the
// in-memory fakes from lib/testutil.
func WithCollaborators(c tunnelstate.Collaborators) DaemonOption {
	return func(d *Daemon) { d.collaborators = &c }
}

// WithOfflineMonitor replaces the monitor selected by [offline] mode.
func WithOfflineMonitor(m offline.Monitor) DaemonOption {
	return func(d *Daemon) { d.offlineOverride = m }
}

// WithConfigPath enables settings hot reload and persistence of settings
// changed through the management API.
func WithConfigPath(path string) DaemonOption {
	return func(d *Daemon) { d.configPath = path }
}

// WithResolver replaces the endpoint resolver.
func WithResolver(r *Resolver) DaemonOption {
	return func(d *Daemon) { d.resolver = r }
}

// Daemon owns the tunnel state machine and every collaborator it drives.
// Management API handlers talk to it; it never touches tunnel state itself.
type Daemon struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	logger     *slog.Logger
	state      DaemonState

	cancel context.CancelFunc
	done   chan struct{}

	startedAt time.Time

	identity *identity.Identity
	gate     *Availability
	resolver *Resolver
	machine  *tunnelstate.Machine
	offline  offline.Monitor
	settings *SettingsWatcher
	cgroup   *splittunnel.Cgroup
	metrics  *http.Server
	excluded []int

	collaborators   *tunnelstate.Collaborators
	offlineOverride offline.Monitor

	onStateChange func(oldState, newState DaemonState)
	onError       func(err error, message string)
	onTransition  func(tunnelstate.TunnelStateTransition)
}

// NewDaemon creates a daemon with the given configuration.
// Nothing on the host is touched until Start is called.
func NewDaemon(cfg *Config, logger *slog.Logger, opts ...DaemonOption) (*Daemon, error) {
	if cfg == nil {
		return nil, apperrors.ErrDaemonConfigRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		config: cfg,
		logger: logger.With("component", "daemon"),
		state:  StateInitial,
		done:   make(chan struct{}),
		gate:   NewAvailability(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start loads the key, builds the collaborators and runs the state machine.
// It returns once the machine goroutine is running; the first transition
// (Disconnected) follows asynchronously.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateInitial && d.state != StateStopped {
		d.mu.Unlock()
		return fmt.Errorf("cannot start daemon in state %s: %w", d.state, apperrors.ErrInvalidState)
	}
	oldState := d.state
	d.state = StateStarting
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.emitStateChange(oldState, StateStarting)

	if err := d.setup(); err != nil {
		d.teardown()
		d.transitionToStopped()
		d.emitError(err, "failed to start daemon")
		return err
	}

	daemonCtx, cancel := context.WithCancel(ctx)
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := d.machine.Run(daemonCtx); err != nil {
			d.logger.Error("state machine exited", "error", err)
		}
	}()

	sub, unsubscribe := d.machine.Subscribe()
	go d.forwardTransitions(sub)

	if d.offline != nil {
		if err := d.offline.Start(daemonCtx); err != nil {
			d.logger.Warn("offline detection disabled", "error", err)
			d.offline = nil
		}
	}
	d.startMetrics()

	d.mu.Lock()
	d.cancel = cancel
	d.state = StateRunning
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.emitStateChange(StateStarting, StateRunning)
	d.logger.Info("daemon started",
		"data_dir", d.config.Daemon.DataDir,
		"public_key", d.identity.PublicKey().String())

	go d.run(daemonCtx, machineDone, unsubscribe)

	if d.config.Tunnel.AutoConnect && d.config.Tunnel.Configured() {
		go func() {
			if err := d.Connect(daemonCtx, nil); err != nil {
				d.logger.Warn("auto-connect failed", "error", err)
				d.emitError(err, "auto-connect failed")
			}
		}()
	}
	return nil
}

func (d *Daemon) setup() error {
	cfg := d.config
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	id, created, err := identity.LoadOrCreate(cfg.DataPath(DefaultKeyName))
	if err != nil {
		return fmt.Errorf("loading key: %w", err)
	}
	d.identity = id
	if created {
		d.logger.Info("generated new wireguard key", "fingerprint", id.Fingerprint())
	}

	if d.resolver == nil {
		r, err := NewResolver(d.gate, cfg.DNS.Upstream, cfg.DNS.Timeout.Std())
		if err != nil {
			d.logger.Warn("endpoint host names cannot be resolved", "error", err)
		}
		d.resolver = r
	}

	var c tunnelstate.Collaborators
	if d.collaborators != nil {
		c = *d.collaborators
	} else if c, err = d.buildCollaborators(); err != nil {
		return err
	}
	if c.API == nil {
		c.API = d.gate
	}

	d.machine, err = tunnelstate.New(cfg.MachineConfig(d.logger), c)
	if err != nil {
		return fmt.Errorf("creating state machine: %w", err)
	}

	d.offline = d.offlineOverride
	if d.offline == nil {
		d.offline = d.newOfflineMonitor()
	}

	if d.configPath != "" {
		w, err := WatchSettings(d.configPath, cfg.Settings, d.applyReloaded)
		if err != nil {
			d.logger.Warn("settings hot reload disabled", "error", err)
		} else {
			d.settings = w
		}
	}
	return nil
}

// buildCollaborators creates the host implementations. Missing host
// facilities degrade to fallbacks instead of failing startup, with the
// exception of an nft that exists but cannot be driven.
func (d *Daemon) buildCollaborators() (tunnelstate.Collaborators, error) {
	cfg := d.config
	var c tunnelstate.Collaborators

	var classID uint32
	if cfg.SplitTunnel.Enabled {
		cg, err := splittunnel.NewCgroup(splittunnel.Config{
			Root:    cfg.SplitTunnel.CgroupRoot,
			Name:    cfg.SplitTunnel.Name,
			ClassID: cfg.SplitTunnel.ClassID,
		})
		if err != nil {
			d.logger.Warn("split tunneling unavailable", "error", err)
		} else {
			d.cgroup = cg
			c.SplitTunnel = cg
			classID = cg.ClassID()
		}
	}

	c.Firewall = firewall.None{}
	if cfg.Firewall.Enabled {
		fw, err := firewall.NewNFTables(firewall.Config{
			Table:              cfg.Firewall.Table,
			NFTPath:            cfg.Firewall.NFTPath,
			SplitTunnelClassID: classID,
			Timeout:            cfg.Firewall.Timeout.Std(),
		})
		switch {
		case err == nil:
			c.Firewall = fw
		case errors.Is(err, apperrors.ErrFirewallUnavailable):
			d.logger.Warn("no packet filter, blocking falls back to the blackhole device", "error", err)
		default:
			return c, fmt.Errorf("creating firewall: %w", err)
		}
	}

	c.Routes = routing.NewManager()
	c.Blackhole = tunnel.NewBlackhole(cfg.Firewall.Blackhole, routing.NewManager())
	if cfg.DNS.Manage {
		c.DNS = dns.NewResolved(cfg.DNS.ResolvectlPath)
	}

	opts := tunnel.DefaultOptions()
	opts.InterfaceName = cfg.Tunnel.Interface
	opts.Netstack = cfg.Tunnel.Netstack
	if v := cfg.Tunnel.HandshakeTimeout.Std(); v > 0 {
		opts.HandshakeTimeout = v
	}
	if v := cfg.Tunnel.StaleAfter.Std(); v > 0 {
		opts.StaleAfter = v
	}
	opts.I2P = i2pbind.Config{
		TunnelName: cfg.I2P.TunnelName,
		SAMAddress: cfg.I2P.SAMAddress,
		Options:    cfg.I2P.Options,
	}
	opts.Logger = d.logger
	c.Tunnels = tunnel.NewMonitor(opts)
	return c, nil
}

func (d *Daemon) newOfflineMonitor() offline.Monitor {
	report := func(off bool) {
		d.machine.Enqueue(tunnelstate.IsOffline{Offline: off})
	}
	switch d.config.Offline.Mode {
	case OfflineNetlink:
		return offline.NewNetlinkMonitor([]string{d.config.Tunnel.Interface, d.config.Firewall.Blackhole}, report)
	case OfflineProbe:
		pc := offline.DefaultProbeConfig()
		if v := d.config.Offline.CheckInterval.Std(); v > 0 {
			pc.CheckInterval = v
		}
		if len(d.config.Offline.ProbeTargets) > 0 {
			pc.Targets = d.config.Offline.ProbeTargets
		}
		return offline.NewProbeMonitor(pc, report)
	default:
		return nil
	}
}

func (d *Daemon) startMetrics() {
	if !d.config.Metrics.Enabled {
		return
	}
	metrics.RecordStartTime()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metrics = &http.Server{
		Addr:              d.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("metrics server stopped", "error", err)
		}
	}(d.metrics)
	d.logger.Info("serving metrics", "listen", d.config.Metrics.Listen)
}

func (d *Daemon) forwardTransitions(sub <-chan tunnelstate.TunnelStateTransition) {
	for t := range sub {
		d.mu.RLock()
		fn := d.onTransition
		d.mu.RUnlock()
		if fn != nil {
			fn(t)
		}
	}
}

// run waits for shutdown, then stops the background helpers and waits for
// the machine to restore the host.
func (d *Daemon) run(ctx context.Context, machineDone <-chan struct{}, unsubscribe func()) {
	defer close(d.done)

	<-ctx.Done()
	d.logger.Info("daemon shutting down")

	<-machineDone
	unsubscribe()
	d.teardown()

	d.mu.Lock()
	oldState := d.state
	d.state = StateStopped
	d.mu.Unlock()

	d.emitStateChange(oldState, StateStopped)
}

func (d *Daemon) teardown() {
	if d.offline != nil {
		d.offline.Stop()
	}
	if d.settings != nil {
		d.settings.Close()
		d.settings = nil
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.metrics.Shutdown(ctx)
		cancel()
		d.metrics = nil
	}
	if d.cgroup != nil {
		if err := d.cgroup.Close(); err != nil {
			d.logger.Warn("removing split tunnel cgroup", "error", err)
		}
		d.cgroup = nil
	}
}

// Stop gracefully shuts down the daemon. The state machine resets the
// firewall and closes any tunnel before Stop returns, unless ctx ends first.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return fmt.Errorf("cannot stop daemon in state %s: %w", d.state, apperrors.ErrInvalidState)
	}
	d.state = StateStopping
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	d.emitStateChange(StateRunning, StateStopping)
	d.logger.Info("stopping daemon")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		d.logger.Info("daemon stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) transitionToStopped() {
	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
}

func (d *Daemon) runningMachine() (*tunnelstate.Machine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != StateRunning {
		return nil, apperrors.ErrDaemonNotRunning
	}
	return d.machine, nil
}

// Connect resolves a target and asks the machine to connect. A nil target
// uses the [tunnel] section of the configuration.
func (d *Daemon) Connect(ctx context.Context, target *validation.Target) error {
	m, err := d.runningMachine()
	if err != nil {
		return err
	}
	if target == nil {
		if !d.config.Tunnel.Configured() {
			return apperrors.ErrNoTunnelTarget
		}
		t := d.config.Target()
		target = &t
	}

	t := *target
	if t.Endpoint != "" {
		if t.Endpoint, err = d.resolveEndpoint(ctx, t.Endpoint); err != nil {
			return err
		}
	}
	params, err := validation.TunnelTarget(t)
	if err != nil {
		return err
	}
	params.PrivateKey = d.identity.PrivateKey()

	d.logger.Info("connect requested", "endpoint", params.Endpoint, "obfuscation", params.Obfuscation)
	m.Enqueue(tunnelstate.Connect{Params: params})
	return nil
}

func (d *Daemon) resolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	host, _, ok := splitHostPort(endpoint)
	if !ok || isIPLiteral(host) {
		return endpoint, nil
	}
	if d.resolver == nil {
		return "", fmt.Errorf("endpoint %q needs a resolver: %w", endpoint, apperrors.ErrUnavailable)
	}
	return d.resolver.ResolveEndpoint(ctx, endpoint)
}

// Disconnect asks the machine to drop the tunnel.
func (d *Daemon) Disconnect() error {
	return d.enqueue(tunnelstate.Disconnect{})
}

// Reconnect asks for a fresh attempt towards the last target.
func (d *Daemon) Reconnect() error {
	return d.enqueue(tunnelstate.Reconnect{})
}

// SetAllowLAN changes the LAN exception and persists it.
func (d *Daemon) SetAllowLAN(allow bool) error {
	if err := d.enqueue(tunnelstate.AllowLan{Allow: allow}); err != nil {
		return err
	}
	return d.persistSettings(func(s *SettingsConfig) { s.AllowLAN = allow })
}

// SetBlockWhenDisconnected changes lockdown mode and persists it.
func (d *Daemon) SetBlockWhenDisconnected(block bool) error {
	if err := d.enqueue(tunnelstate.BlockWhenDisconnected{Block: block}); err != nil {
		return err
	}
	return d.persistSettings(func(s *SettingsConfig) { s.BlockWhenDisconnected = block })
}

// SetExcluded replaces the processes kept outside the tunnel.
func (d *Daemon) SetExcluded(pids []int) error {
	if err := d.enqueue(tunnelstate.ExcludeProcesses{PIDs: pids}); err != nil {
		return err
	}
	d.mu.Lock()
	d.excluded = slices.Sorted(slices.Values(pids))
	d.mu.Unlock()
	return nil
}

// Excluded returns the processes most recently requested for exclusion.
func (d *Daemon) Excluded() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.excluded)
}

func (d *Daemon) enqueue(cmd tunnelstate.Command) error {
	m, err := d.runningMachine()
	if err != nil {
		return err
	}
	m.Enqueue(cmd)
	return nil
}

func (d *Daemon) persistSettings(update func(*SettingsConfig)) error {
	d.mu.Lock()
	update(&d.config.Settings)
	settings := d.config.Settings
	cfg := *d.config
	d.mu.Unlock()

	if d.settings != nil {
		d.settings.Update(settings)
	}
	if d.configPath == "" {
		return nil
	}
	if err := SaveConfig(&cfg, d.configPath); err != nil {
		d.logger.Warn("settings applied but not saved", "error", err)
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// applyReloaded mirrors a setting read from disk into the live config and
// forwards it to the machine.
func (d *Daemon) applyReloaded(cmd tunnelstate.Command) {
	d.mu.Lock()
	switch c := cmd.(type) {
	case tunnelstate.AllowLan:
		d.config.Settings.AllowLAN = c.Allow
	case tunnelstate.BlockWhenDisconnected:
		d.config.Settings.BlockWhenDisconnected = c.Block
	}
	m := d.machine
	d.mu.Unlock()
	if m != nil {
		m.Enqueue(cmd)
	}
}

// Snapshot returns the latest transition. Before Start it reports the
// initial Disconnected state.
func (d *Daemon) Snapshot() tunnelstate.TunnelStateTransition {
	d.mu.RLock()
	m := d.machine
	d.mu.RUnlock()
	if m == nil {
		return tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected}
	}
	return m.Snapshot()
}

// Watch returns the latest transition newer than afterSeq, waiting until
// one is broadcast or ctx ends. Transitions published between two calls
// collapse into the most recent one; Seq tells the caller how many it missed.
func (d *Daemon) Watch(ctx context.Context, afterSeq uint64) (tunnelstate.TunnelStateTransition, error) {
	m, err := d.runningMachine()
	if err != nil {
		return tunnelstate.TunnelStateTransition{}, err
	}
	if t := m.Snapshot(); t.Seq > afterSeq {
		return t, nil
	}

	sub, unsubscribe := m.Subscribe()
	defer unsubscribe()
	// A transition may have been published between the snapshot and the
	// subscription.
	if t := m.Snapshot(); t.Seq > afterSeq {
		return t, nil
	}
	for {
		select {
		case t, ok := <-sub:
			if !ok {
				return tunnelstate.TunnelStateTransition{}, apperrors.ErrDaemonNotRunning
			}
			if t.Seq > afterSeq {
				return t, nil
			}
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// State returns the current lifecycle state of the daemon.
func (d *Daemon) State() DaemonState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Done returns a channel that is closed when the daemon has stopped.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.done
}

// StartedAt returns when the daemon was started.
func (d *Daemon) StartedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.startedAt
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() || d.state != StateRunning {
		return 0
	}
	return time.Since(d.startedAt)
}

// PublicKey returns the local WireGuard public key, or "" before Start.
func (d *Daemon) PublicKey() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.identity == nil {
		return ""
	}
	return d.identity.PublicKey().String()
}

// Offline reports the offline monitor's view, false without one.
func (d *Daemon) Offline() bool {
	d.mu.RLock()
	m := d.offline
	d.mu.RUnlock()
	return m != nil && m.Offline()
}

// AllowLAN reports the current LAN exception setting.
func (d *Daemon) AllowLAN() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Settings.AllowLAN
}

// BlockWhenDisconnected reports whether lockdown mode is on.
func (d *Daemon) BlockWhenDisconnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Settings.BlockWhenDisconnected
}

// Availability returns the background traffic gate.
func (d *Daemon) Availability() *Availability {
	return d.gate
}

// SetOnStateChange sets a callback for daemon lifecycle changes.
func (d *Daemon) SetOnStateChange(callback func(oldState, newState DaemonState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStateChange = callback
}

// SetOnError sets a callback for recoverable errors.
func (d *Daemon) SetOnError(callback func(err error, message string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = callback
}

// SetOnTransition sets a callback invoked for every tunnel state transition,
// in order, from a dedicated goroutine. Slow callbacks lose transitions.
func (d *Daemon) SetOnTransition(callback func(tunnelstate.TunnelStateTransition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTransition = callback
}

func (d *Daemon) emitStateChange(oldState, newState DaemonState) {
	d.mu.RLock()
	callback := d.onStateChange
	d.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (d *Daemon) emitError(err error, message string) {
	d.mu.RLock()
	callback := d.onError
	d.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
