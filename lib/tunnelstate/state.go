package tunnelstate

import (
	"errors"
	"time"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

// state is the machine's current lifecycle stage. Only the fields belonging
// to kind are meaningful; a transition always builds a fresh value and moves
// the live tunnel handle into it.
type state struct {
	kind StateKind

	// Connecting, Connected.
	params       TunnelParameters
	retryAttempt uint32
	retryTimer   *time.Timer

	// Connecting, Connected, Disconnecting.
	tunnel *activeTunnel

	// Connected.
	metadata TunnelMetadata

	// Disconnecting.
	after      AfterDisconnect
	closeTimer *time.Timer

	// Error.
	cause        ErrorStateCause
	blockFailure error
	blackholed   bool

	// Disconnected.
	locked bool
}

type activeTunnel struct {
	Tunnel
	generation uint64
	// events is nil once the tunnel closed its event stream.
	events <-chan TunnelEvent
}

func disconnectedState() *state {
	return &state{kind: StateDisconnected}
}

func connectingState(params TunnelParameters, attempt uint32) *state {
	return &state{kind: StateConnecting, params: params, retryAttempt: attempt}
}

func connectedState(from *state, md TunnelMetadata) *state {
	return &state{
		kind:         StateConnected,
		params:       from.params,
		retryAttempt: from.retryAttempt,
		tunnel:       from.tunnel,
		metadata:     md,
	}
}

func disconnectingState(t *activeTunnel, after AfterDisconnect) *state {
	return &state{kind: StateDisconnecting, tunnel: t, after: after}
}

func errorState(cause ErrorStateCause) *state {
	return &state{kind: StateError, cause: cause}
}

// transition projects the state onto what management clients see.
func (s *state) transition() TunnelStateTransition {
	t := TunnelStateTransition{State: s.kind}
	switch s.kind {
	case StateDisconnected:
		t.Locked = s.locked
	case StateConnecting:
		t.Endpoint = s.params.Endpoint
		t.Obfuscation = s.params.Obfuscation.String()
		t.RetryAttempt = s.retryAttempt
	case StateConnected:
		md := s.metadata
		t.Endpoint = s.params.Endpoint
		t.Obfuscation = s.params.Obfuscation.String()
		t.Metadata = &md
	case StateDisconnecting:
		t.After = s.after.Kind
	case StateError:
		t.Cause = s.cause
		if s.blockFailure != nil {
			t.BlockFailure = s.blockFailure.Error()
		}
	}
	return t
}

type consequenceKind int

const (
	// sameState keeps the current state; its fields may have changed.
	sameState consequenceKind = iota
	// newState replaces the current state with next.
	newState
	// noEvents means nothing actionable was received.
	noEvents
)

type eventConsequence struct {
	kind consequenceKind
	next *state
}

func same() eventConsequence { return eventConsequence{kind: sameState} }

func nothing() eventConsequence { return eventConsequence{kind: noEvents} }

func next(s *state) eventConsequence { return eventConsequence{kind: newState, next: s} }

type inputKind int

const (
	inputNone inputKind = iota
	inputCommand
	inputEvent
	inputClosed
	inputRetry
	inputCloseTimeout
)

type input struct {
	kind  inputKind
	cmd   Command
	event TunnelEvent
}

// classifyStartError maps a failed tunnel start onto an error state cause.
func classifyStartError(err error) ErrorStateCause {
	if cause, ok := userActionable(err); ok {
		return cause
	}
	return CauseStartTunnelError
}

// userActionable reports causes that must not be retried automatically.
func userActionable(err error) (ErrorStateCause, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, apperrors.ErrAuthFailed):
		return CauseAuthFailed, true
	case errors.Is(err, apperrors.ErrTunnelParameter):
		return CauseTunnelParameterError, true
	case errors.Is(err, apperrors.ErrIPv6Unavailable):
		return CauseIPv6Unavailable, true
	default:
		return 0, false
	}
}

// closedChan stands in for the close future of a tunnel that was never started.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
