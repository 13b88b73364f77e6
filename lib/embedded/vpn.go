package embedded

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/rpc"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
	"github.com/go-i2p/tunlock/version"
)

// State is the embedding lifecycle, separate from the tunnel state.
type State string

const (
	StateInitial  State = "initial"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status is a point-in-time view of the VPN and its tunnel.
type Status struct {
	State                 State
	Tunnel                tunnelstate.TunnelStateTransition
	PublicKey             string
	Offline               bool
	AllowLAN              bool
	BlockWhenDisconnected bool
	StartedAt             time.Time
	// Uptime is zero unless running.
	Uptime time.Duration
	// RPCSocket is empty when the management API is disabled.
	RPCSocket string
	Version   string
}

// VPN runs a tunlock daemon inside another program. Start and Stop may be
// repeated; tunnel commands fail with ErrNotRunning in between.
type VPN struct {
	config  Config
	emitter *eventEmitter

	mu        sync.RWMutex
	state     State
	daemon    *core.Daemon
	server    *rpc.Server
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// New validates cfg and returns a stopped VPN.
func New(cfg Config) (*VPN, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.WithField("dataDir", cfg.DataDir).Debug("embedded VPN created")
	return &VPN{
		config:  cfg,
		emitter: newEventEmitter(cfg.EventBufferSize),
		state:   StateInitial,
		done:    make(chan struct{}),
	}, nil
}

// NewWithOptions applies opts to DefaultConfig and calls New.
func NewWithOptions(opts ...Option) (*VPN, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

// setState records a lifecycle change and announces it.
func (v *VPN) setState(to State, message string) {
	v.mu.Lock()
	from := v.state
	v.state = to
	v.mu.Unlock()
	log.WithField("from", from).WithField("to", to).Debug("VPN lifecycle change")
	v.emitter.emitStateChange(from, to, message)
}

// Start builds the daemon, which installs the initial firewall policy before
// returning, then opens the management API if enabled. ctx bounds startup
// only; the VPN runs until Stop.
func (v *VPN) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateInitial && v.state != StateStopped {
		state := v.state
		v.mu.Unlock()
		return fmt.Errorf("cannot start VPN in state %s", state)
	}
	v.done = make(chan struct{})
	v.mu.Unlock()
	v.setState(StateStarting, "VPN starting")

	lifetime, cancel := context.WithCancel(context.Background())
	daemon, server, err := v.startDaemon(ctx, lifetime)
	if err != nil {
		cancel()
		log.WithError(err).Error("VPN failed to start")
		v.setState(StateStopped, "VPN failed to start")
		v.emitter.emitError(err, "Failed to start VPN")
		return err
	}

	v.mu.Lock()
	v.daemon, v.server, v.cancel = daemon, server, cancel
	v.startedAt = time.Now()
	v.mu.Unlock()
	v.setState(StateRunning, "VPN started")
	v.emitter.emitSimple(EventStarted, "VPN is now running")

	go v.watchDaemon(lifetime, daemon)
	log.WithField("publicKey", daemon.PublicKey()).Info("VPN started")
	return nil
}

func (v *VPN) startDaemon(ctx, lifetime context.Context) (*core.Daemon, *rpc.Server, error) {
	cfg := v.config.toCoreConfig()
	opts := slices.Clone(v.config.DaemonOptions)
	if v.config.ConfigPath != "" {
		opts = append(opts, core.WithConfigPath(v.config.ConfigPath))
	}

	daemon, err := core.NewDaemon(cfg, v.config.Logger, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create daemon: %w", err)
	}
	daemon.SetOnTransition(v.emitter.emitTransition)
	daemon.SetOnError(v.emitter.emitError)

	if err := daemon.Start(lifetime); err != nil {
		return nil, nil, fmt.Errorf("failed to start daemon: %w", err)
	}

	if !cfg.RPC.Enabled {
		return daemon, nil, nil
	}
	server, err := startRPC(lifetime, cfg, daemon)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 2*cfg.Retry.CloseTimeout.Std())
		defer cancel()
		if stopErr := daemon.Stop(stopCtx); stopErr != nil {
			log.WithError(stopErr).Warn("error stopping daemon after RPC failure")
		}
		return nil, nil, fmt.Errorf("failed to start RPC server: %w", err)
	}
	return daemon, server, nil
}

// startRPC serves the management API for daemon. TCP listeners require the
// token written to the data directory.
func startRPC(ctx context.Context, cfg *core.Config, daemon *core.Daemon) (*rpc.Server, error) {
	serverCfg := rpc.ServerConfig{
		UnixSocketPath: cfg.DataPath(cfg.RPC.Socket),
		TCPAddress:     cfg.RPC.TCPAddress,
		Rate:           cfg.RPC.Rate,
		Burst:          cfg.RPC.Burst,
	}
	if serverCfg.TCPAddress != "" {
		serverCfg.AuthFile = cfg.DataPath(core.DefaultRPCAuthName)
	}

	server, err := rpc.NewServer(serverCfg)
	if err != nil {
		return nil, err
	}
	rpc.NewHandlers(rpc.HandlersConfig{
		Tunnel: daemon,
		Info:   daemon,
	}).RegisterAll(server)

	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return server, nil
}

// Stop closes the management API and stops the daemon, which leaves the
// firewall blocking when lockdown mode is on. ctx bounds the shutdown.
func (v *VPN) Stop(ctx context.Context) error {
	if state, ok := v.beginStop(); !ok {
		return fmt.Errorf("cannot stop VPN in state %s", state)
	}
	v.emitter.emitStateChange(StateRunning, StateStopping, "VPN stopping")

	err := v.teardown(ctx, true)
	v.finishStop("VPN stopped")
	v.emitter.emitSimple(EventStopped, "VPN has stopped")
	log.Info("VPN stopped")
	return err
}

// beginStop moves Running to Stopping. Only one caller wins, so teardown
// runs once per Start.
func (v *VPN) beginStop() (State, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateRunning {
		return v.state, false
	}
	v.state = StateStopping
	return StateRunning, true
}

// teardown releases what Start acquired. stopDaemon is false when the daemon
// already exited on its own.
func (v *VPN) teardown(ctx context.Context, stopDaemon bool) error {
	v.mu.Lock()
	daemon, server, cancel := v.daemon, v.server, v.cancel
	v.server, v.cancel = nil, nil
	v.mu.Unlock()

	if server != nil {
		if err := server.StopWithContext(ctx); err != nil {
			log.WithError(err).Warn("RPC server did not stop cleanly")
		}
	}
	var err error
	if stopDaemon && daemon != nil {
		if err = daemon.Stop(ctx); err != nil {
			log.WithError(err).Warn("daemon did not stop cleanly")
		}
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// finishStop marks the VPN stopped and closes Done in one step.
func (v *VPN) finishStop(message string) {
	v.mu.Lock()
	v.state = StateStopped
	close(v.done)
	v.mu.Unlock()
	v.emitter.emitStateChange(StateStopping, StateStopped, message)
}

// Close stops a running VPN with a 30 second budget and closes Events.
func (v *VPN) Close() error {
	defer v.emitter.close()
	if v.State() != StateRunning {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return v.Stop(ctx)
}

// Status snapshots the VPN. Before Start the tunnel reads as disconnected.
func (v *VPN) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st := Status{
		State:     v.state,
		Tunnel:    tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected},
		StartedAt: v.startedAt,
		Version:   version.Version,
	}
	if v.state == StateRunning && !v.startedAt.IsZero() {
		st.Uptime = time.Since(v.startedAt)
	}
	if v.server != nil {
		st.RPCSocket = v.server.UnixSocketPath()
	}
	if d := v.daemon; d != nil {
		st.Tunnel = d.Snapshot()
		st.PublicKey = d.PublicKey()
		st.Offline = d.Offline()
		st.AllowLAN = d.AllowLAN()
		st.BlockWhenDisconnected = d.BlockWhenDisconnected()
	}
	return st
}

// State returns the current VPN state.
func (v *VPN) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Events returns a channel that receives VPN events.
// The channel is buffered and may drop events if not consumed.
// Close the VPN to close this channel.
func (v *VPN) Events() <-chan Event {
	return v.emitter.channel()
}

// DroppedEventCount returns the total number of events dropped due to a full buffer.
func (v *VPN) DroppedEventCount() uint64 {
	return v.emitter.droppedEvents()
}

// Done returns a channel that is closed when the VPN stops.
func (v *VPN) Done() <-chan struct{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.done
}

// ErrNotRunning is returned by tunnel operations before Start or after Stop.
var ErrNotRunning = errors.New("embedded: VPN is not running")

func (v *VPN) running() (*core.Daemon, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state != StateRunning || v.daemon == nil {
		return nil, ErrNotRunning
	}
	return v.daemon, nil
}

// Connect brings the tunnel up. A nil target uses the configured one.
func (v *VPN) Connect(ctx context.Context, target *validation.Target) error {
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.Connect(ctx, target)
}

// Disconnect tears the tunnel down.
func (v *VPN) Disconnect() error {
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.Disconnect()
}

// Reconnect restarts the tunnel with the current target.
func (v *VPN) Reconnect() error {
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.Reconnect()
}

// SetAllowLAN toggles the LAN exception in the firewall policy.
func (v *VPN) SetAllowLAN(allow bool) error {
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.SetAllowLAN(allow)
}

// SetBlockWhenDisconnected toggles lockdown mode.
func (v *VPN) SetBlockWhenDisconnected(block bool) error {
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.SetBlockWhenDisconnected(block)
}

// ExcludeProcesses keeps the given processes outside the tunnel.
func (v *VPN) ExcludeProcesses(pids []int) error {
	if err := validation.ValidateSplitSetParams(pids); err != nil {
		return err
	}
	d, err := v.running()
	if err != nil {
		return err
	}
	return d.SetExcluded(pids)
}

// TunnelState returns the latest tunnel state transition.
func (v *VPN) TunnelState() tunnelstate.TunnelStateTransition {
	d, err := v.running()
	if err != nil {
		return tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected}
	}
	return d.Snapshot()
}

// WaitForState blocks until the tunnel enters one of kinds or ctx ends.
func (v *VPN) WaitForState(ctx context.Context, kinds ...tunnelstate.StateKind) (tunnelstate.TunnelStateTransition, error) {
	d, err := v.running()
	if err != nil {
		return tunnelstate.TunnelStateTransition{}, err
	}
	t := d.Snapshot()
	for !slices.Contains(kinds, t.State) {
		if t, err = d.Watch(ctx, t.Seq); err != nil {
			return t, err
		}
	}
	return t, nil
}

// PublicKey returns the local WireGuard public key, empty before Start.
func (v *VPN) PublicKey() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.daemon == nil {
		return ""
	}
	return v.daemon.PublicKey()
}

// Config returns the VPN configuration (read-only copy).
func (v *VPN) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.config
}

// Daemon returns the underlying core.Daemon for advanced operations.
// Returns nil if the VPN has never been started.
func (v *VPN) Daemon() *core.Daemon {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.daemon
}

// watchDaemon turns an exit the VPN did not ask for into Stopped.
func (v *VPN) watchDaemon(ctx context.Context, daemon *core.Daemon) {
	select {
	case <-ctx.Done():
		return
	case <-daemon.Done():
	}

	v.mu.RLock()
	mine := v.daemon == daemon
	v.mu.RUnlock()
	if !mine {
		return
	}
	if _, ok := v.beginStop(); !ok {
		return
	}
	log.Warn("daemon exited while the VPN was running")
	v.teardown(context.Background(), false)
	v.finishStop("daemon exited")
	v.emitter.emitError(errors.New("daemon stopped unexpectedly"), "VPN stopped unexpectedly")
	v.emitter.emitSimple(EventStopped, "VPN stopped unexpectedly")
}
