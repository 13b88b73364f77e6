// Package tunnel runs WireGuard tunnels for the state machine. Each Start
// creates a fresh wireguard-go device on a worker goroutine, watches the
// peer handshake and reports Up and Down events tagged with the start's
// generation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/i2pkeys"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/go-i2p/tunlock/i2pbind"
	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// ErrKilled is reported by a tunnel whose teardown was abandoned.
var ErrKilled = errors.New("tunnel teardown abandoned")

// Options configures the Monitor.
type Options struct {
	// InterfaceName is the kernel TUN name.
	InterfaceName string
	// Netstack runs the tunnel in a userspace network stack instead of a
	// kernel TUN. Used by embedders without CAP_NET_ADMIN.
	Netstack bool
	// HandshakeTimeout is how long a new tunnel may go without a handshake
	// before Down is reported.
	HandshakeTimeout time.Duration
	// StaleAfter reports Down once the last handshake is older than this.
	StaleAfter time.Duration
	// PollInterval is how often the device is asked for handshake state.
	PollInterval time.Duration
	// I2P configures the SAM session used for I2P obfuscation.
	I2P    i2pbind.Config
	Logger *slog.Logger
}

// DefaultOptions returns the daemon defaults.
func DefaultOptions() Options {
	return Options{
		InterfaceName:    "tl0",
		HandshakeTimeout: 20 * time.Second,
		// WireGuard rekeys every two minutes; three minutes without a
		// handshake means the session has expired.
		StaleAfter:   3 * time.Minute,
		PollInterval: 500 * time.Millisecond,
	}
}

// link is the part of Device the monitor drives.
type link interface {
	Name() string
	LastHandshake() (time.Time, error)
	Close() error
}

// Monitor starts tunnels. Devices share one interface name, so a worker
// opens its device only after the previous worker has released its own,
// even when that handle was killed.
type Monitor struct {
	opts   Options
	logger *slog.Logger
	open   func(tunnelstate.TunnelParameters) (link, error)

	mu       sync.Mutex
	released chan struct{}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts Options) *Monitor {
	def := DefaultOptions()
	if opts.InterfaceName == "" {
		opts.InterfaceName = def.InterfaceName
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{opts: opts, logger: opts.Logger.With("component", "tunnel")}
	m.open = m.openDevice
	return m
}

func (m *Monitor) openDevice(params tunnelstate.TunnelParameters) (link, error) {
	cfg := deviceConfig{
		Name:     m.opts.InterfaceName,
		Netstack: m.opts.Netstack,
		Params:   params,
		Logger:   m.logger,
	}
	if params.Obfuscation == tunnelstate.ObfuscationI2P {
		cfg.Bind = i2pbind.New(m.opts.I2P)
	}
	return newDevice(cfg)
}

// Start validates params and hands device creation to a worker goroutine,
// so it returns without waiting for the device or the I2P router.
func (m *Monitor) Start(ctx context.Context, params tunnelstate.TunnelParameters, generation uint64) (tunnelstate.Tunnel, error) {
	if err := m.validate(params); err != nil {
		return nil, err
	}
	h := newHandle(generation)

	m.mu.Lock()
	prev := m.released
	released := make(chan struct{})
	m.released = released
	m.mu.Unlock()

	go func() {
		defer func() {
			if prev != nil {
				<-prev
			}
			close(released)
		}()
		if !m.awaitRelease(ctx, h, prev) {
			return
		}
		m.run(ctx, h, params)
	}()
	return h, nil
}

// ipv6Available reports whether the host can use IPv6. Tests replace it.
var ipv6Available = func() bool {
	pc, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		return false
	}
	pc.Close()
	return true
}

func (m *Monitor) validate(p tunnelstate.TunnelParameters) error {
	switch {
	case p.PrivateKey == wgtypes.Key{}:
		return fmt.Errorf("%w: missing private key", apperrors.ErrTunnelParameter)
	case p.PeerPublicKey == wgtypes.Key{}:
		return fmt.Errorf("%w: missing peer public key", apperrors.ErrTunnelParameter)
	case len(p.Addresses) == 0:
		return fmt.Errorf("%w: no tunnel addresses", apperrors.ErrTunnelParameter)
	}

	switch p.Obfuscation {
	case tunnelstate.ObfuscationI2P:
		if p.I2PDestination == "" {
			return fmt.Errorf("%w: i2p obfuscation without destination", apperrors.ErrTunnelParameter)
		}
		if _, err := i2pkeys.NewI2PAddrFromString(p.I2PDestination); err != nil {
			return fmt.Errorf("%w: i2p destination: %w", apperrors.ErrTunnelParameter, err)
		}
	default:
		if !p.Endpoint.IsValid() {
			return fmt.Errorf("%w: invalid endpoint", apperrors.ErrTunnelParameter)
		}
		if p.Protocol != tunnelstate.ProtocolUDP {
			return fmt.Errorf("%w: WireGuard endpoints must use udp", apperrors.ErrTunnelParameter)
		}
	}

	if !m.opts.Netstack && p.HasIPv6() && !ipv6Available() {
		return apperrors.ErrIPv6Unavailable
	}
	return nil
}

// awaitRelease blocks until the previous device is gone. It reports false
// when h was closed or ctx ended first.
func (m *Monitor) awaitRelease(ctx context.Context, h *handle, prev <-chan struct{}) bool {
	if prev == nil {
		return true
	}
	select {
	case <-prev:
		return true
	default:
	}
	m.logger.Debug("waiting for previous tunnel device", "generation", h.generation)
	select {
	case <-prev:
		return true
	case <-h.stop:
		h.finish(nil)
	case <-ctx.Done():
		h.finish(ctx.Err())
	}
	return false
}

func (m *Monitor) run(ctx context.Context, h *handle, params tunnelstate.TunnelParameters) {
	logger := m.logger.With("generation", h.generation)

	lk, err := m.open(params)
	if err != nil {
		logger.Warn("tunnel failed to start", "error", err)
		if !errors.Is(err, apperrors.ErrTunnelStart) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTunnelStart, err)
		}
		h.finish(err)
		return
	}

	teardown := func(cause error) {
		if err := lk.Close(); err != nil {
			logger.Warn("error closing tunnel device", "error", err)
		}
		h.finish(cause)
	}

	started := time.Now()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	var up, down bool
	for {
		select {
		case <-h.stop:
			teardown(nil)
			return
		case <-ctx.Done():
			teardown(ctx.Err())
			return
		case <-ticker.C:
		}

		handshake, err := lk.LastHandshake()
		if err != nil {
			logger.Warn("tunnel device failed", "error", err)
			teardown(fmt.Errorf("tunnel device failed: %w", err))
			return
		}

		switch {
		case down:
		case !up && !handshake.IsZero():
			up = true
			logger.Info("tunnel handshake completed", "interface", lk.Name())
			h.emit(tunnelstate.TunnelEvent{
				Kind:       tunnelstate.EventUp,
				Generation: h.generation,
				Metadata: tunnelstate.TunnelMetadata{
					Interface: lk.Name(),
					Addresses: params.Addresses,
				},
			})
		case !up && time.Since(started) > m.opts.HandshakeTimeout:
			down = true
			logger.Warn("no handshake within timeout", "timeout", m.opts.HandshakeTimeout)
			h.emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventDown, Generation: h.generation})
		case up && time.Since(handshake) > m.opts.StaleAfter:
			down = true
			logger.Warn("tunnel handshake went stale", "last_handshake", handshake)
			h.emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventDown, Generation: h.generation})
		}
	}
}

// handle is the machine's view of one started tunnel.
type handle struct {
	generation uint64
	events     chan tunnelstate.TunnelEvent
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	doneOnce   sync.Once

	mu  sync.Mutex
	err error
}

func newHandle(generation uint64) *handle {
	return &handle{
		generation: generation,
		events:     make(chan tunnelstate.TunnelEvent, 4),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *handle) Events() <-chan tunnelstate.TunnelEvent { return h.events }

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close requests teardown and returns immediately.
func (h *handle) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Kill resolves Done without waiting for the device to finish closing. The
// Monitor still holds back the next device until this one is released.
func (h *handle) Kill() {
	h.Close()
	h.finish(ErrKilled)
}

func (h *handle) emit(ev tunnelstate.TunnelEvent) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

func (h *handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

var (
	_ tunnelstate.TunnelMonitor = (*Monitor)(nil)
	_ tunnelstate.Killer        = (*handle)(nil)
)
