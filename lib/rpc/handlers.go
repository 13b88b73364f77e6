package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
	"github.com/go-i2p/tunlock/version"
)

// DefaultWatchTimeout is the state.watch wait when the caller gives none.
const DefaultWatchTimeout = 30 * time.Second

// TunnelController drives the tunnel state machine.
// This interface abstracts the daemon to avoid circular imports.
type TunnelController interface {
	// Snapshot returns the latest transition.
	Snapshot() tunnelstate.TunnelStateTransition
	// Connect resolves target (nil for the configured one) and enqueues Connect.
	Connect(ctx context.Context, target *validation.Target) error
	Disconnect() error
	Reconnect() error
	SetAllowLAN(allow bool) error
	SetBlockWhenDisconnected(block bool) error
	SetExcluded(pids []int) error
	Excluded() []int
	// Watch returns the latest transition newer than afterSeq, blocking
	// until one exists or ctx ends.
	Watch(ctx context.Context, afterSeq uint64) (tunnelstate.TunnelStateTransition, error)
}

// StatusProvider reports daemon facts shown by "status".
type StatusProvider interface {
	StartedAt() time.Time
	PublicKey() string
	Offline() bool
	AllowLAN() bool
	BlockWhenDisconnected() bool
}

// Handlers provides RPC handlers with access to the daemon.
type Handlers struct {
	tunnel       TunnelController
	info         StatusProvider
	watchTimeout time.Duration
}

// HandlersConfig configures the RPC handlers.
type HandlersConfig struct {
	Tunnel TunnelController
	Info   StatusProvider
	// WatchTimeout is the default state.watch wait.
	WatchTimeout time.Duration
}

// NewHandlers creates RPC handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	wt := cfg.WatchTimeout
	if wt <= 0 {
		wt = DefaultWatchTimeout
	}
	return &Handlers{
		tunnel:       cfg.Tunnel,
		info:         cfg.Info,
		watchTimeout: wt,
	}
}

// RegisterAll registers all handlers with the server. State-changing methods
// are rate limited per connection.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandler("status", h.Status)
	s.RegisterHandler("version", h.Version)
	s.RegisterHandler("split.list", h.SplitList)
	s.RegisterLimitedHandler("tunnel.connect", h.TunnelConnect)
	s.RegisterLimitedHandler("tunnel.disconnect", h.TunnelDisconnect)
	s.RegisterLimitedHandler("tunnel.reconnect", h.TunnelReconnect)
	s.RegisterLimitedHandler("settings.allow_lan", h.SettingsAllowLAN)
	s.RegisterLimitedHandler("settings.block_when_disconnected", h.SettingsBlockWhenDisconnected)
	s.RegisterLimitedHandler("split.set", h.SplitSet)
	s.RegisterLongPollHandler("state.watch", h.StateWatch)
}

// Status returns the tunnel state and daemon settings.
func (h *Handlers) Status(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}

	result := &StatusResult{
		Tunnel:  h.tunnel.Snapshot(),
		Version: version.Version,
	}
	if h.info != nil {
		result.AllowLAN = h.info.AllowLAN()
		result.BlockWhenDisconnected = h.info.BlockWhenDisconnected()
		result.Offline = h.info.Offline()
		result.PublicKey = h.info.PublicKey()
		if started := h.info.StartedAt(); !started.IsZero() {
			result.Uptime = formatDuration(time.Since(started))
		}
	}
	return result, nil
}

// TunnelConnect connects to the given target, or the configured one when
// params are empty.
func (h *Handlers) TunnelConnect(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}

	var p ConnectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}

	seq := h.tunnel.Snapshot().Seq
	if err := h.tunnel.Connect(ctx, p.Target()); err != nil {
		return nil, FromError(err)
	}
	return &CommandResult{Seq: seq, Message: "connecting"}, nil
}

// TunnelDisconnect tears the tunnel down.
func (h *Handlers) TunnelDisconnect(ctx context.Context, params json.RawMessage) (any, *Error) {
	return h.command("disconnecting", func() error { return h.tunnel.Disconnect() })
}

// TunnelReconnect restarts the current tunnel.
func (h *Handlers) TunnelReconnect(ctx context.Context, params json.RawMessage) (any, *Error) {
	return h.command("reconnecting", func() error { return h.tunnel.Reconnect() })
}

// SettingsAllowLAN toggles the LAN exception.
func (h *Handlers) SettingsAllowLAN(ctx context.Context, params json.RawMessage) (any, *Error) {
	enabled, rpcErr := parseToggle(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return h.command("allow_lan="+strconv.FormatBool(enabled), func() error {
		return h.tunnel.SetAllowLAN(enabled)
	})
}

// SettingsBlockWhenDisconnected toggles lockdown mode.
func (h *Handlers) SettingsBlockWhenDisconnected(ctx context.Context, params json.RawMessage) (any, *Error) {
	enabled, rpcErr := parseToggle(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return h.command("block_when_disconnected="+strconv.FormatBool(enabled), func() error {
		return h.tunnel.SetBlockWhenDisconnected(enabled)
	})
}

// SplitSet replaces the set of processes excluded from the tunnel.
func (h *Handlers) SplitSet(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p SplitSetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if err := validation.ValidateSplitSetParams(p.PIDs); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	return h.command("excluded "+strconv.Itoa(len(p.PIDs))+" processes", func() error {
		return h.tunnel.SetExcluded(p.PIDs)
	})
}

// SplitList returns the excluded processes.
func (h *Handlers) SplitList(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}
	pids := h.tunnel.Excluded()
	if pids == nil {
		pids = []int{}
	}
	return &SplitListResult{PIDs: pids, Total: len(pids)}, nil
}

// StateWatch long-polls for the next transition after after_seq.
func (h *Handlers) StateWatch(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}

	var p WatchParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}
	timeout, err := validation.ValidateWatchParams(p.AfterSeq, p.TimeoutMS, h.watchTimeout)
	if err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := h.tunnel.Watch(watchCtx, uint64(p.AfterSeq))
	switch {
	case err == nil:
		return &WatchResult{Transition: t}, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return &WatchResult{Transition: t, TimedOut: true}, nil
	default:
		return nil, FromError(err)
	}
}

// Version returns the daemon version.
func (h *Handlers) Version(ctx context.Context, params json.RawMessage) (any, *Error) {
	return &VersionResult{
		Version:         version.Version,
		Full:            version.Full(),
		ProtocolVersion: ProtocolVersion,
	}, nil
}

func (h *Handlers) command(message string, run func() error) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}
	seq := h.tunnel.Snapshot().Seq
	if err := run(); err != nil {
		return nil, FromError(err)
	}
	return &CommandResult{Seq: seq, Message: message}, nil
}

func parseToggle(params json.RawMessage) (bool, *Error) {
	var p ToggleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return false, ErrInvalidParams(err.Error())
	}
	if p.Enabled == nil {
		return false, ErrInvalidParams("enabled is required")
	}
	return *p.Enabled, nil
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return formatDays(days, hours)
}

// formatDays formats days and hours for display.
func formatDays(days, hours int) string {
	out := formatPlural(days, "day", "days")
	if hours > 0 {
		out += " " + formatPlural(hours, "hour", "hours")
	}
	return out
}

// formatPlural formats a number with singular/plural form.
func formatPlural(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
