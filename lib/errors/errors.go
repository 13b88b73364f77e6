// Package errors holds the sentinel errors shared across tunlock and the
// mapping from them to management API error codes.
//
// Collaborators wrap their failures around these sentinels with
// fmt.Errorf("...: %w", ...). The state machine picks an error state cause
// with errors.Is, and the RPC layer picks a response code with FromSentinel.
package errors

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes. Application codes live in -32000 to -32099.
const (
	CodeInvalidParams = -32602
	CodeInternal      = -32603

	CodeAuthRequired  = -32001
	CodeRateLimited   = -32004
	CodeTimeout       = -32005
	CodeUnavailable   = -32007
	CodeConfiguration = -32008
	CodeState         = -32010
)

// Categories. Specific sentinels wrap one of these so callers can test for
// the category alone.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("unavailable on this host")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidState  = errors.New("invalid state")
	ErrConfiguration = errors.New("configuration error")
)

// Collaborator failures, classified by the state machine.
var (
	// ErrFirewallUnavailable means no packet filter can be programmed. The
	// machine falls back to the blackhole device.
	ErrFirewallUnavailable = fmt.Errorf("firewall: packet filter %w", ErrUnavailable)
	ErrFirewallApply       = errors.New("firewall: failed to apply policy")
	ErrRoutesApply         = errors.New("routing: failed to apply routes")

	// ErrAuthFailed and ErrTunnelParameter are not retried: the user has to
	// change something first.
	ErrAuthFailed      = errors.New("tunnel: authentication failed")
	ErrTunnelParameter = fmt.Errorf("tunnel: parameters %w", ErrInvalidInput)

	ErrIPv6Unavailable = errors.New("tunnel: ipv6 unavailable")
	ErrTunnelStart     = errors.New("tunnel: failed to start")
)

// I2P transport failures.
var (
	ErrI2PBindNotOpen      = errors.New("i2pbind: not open")
	ErrI2PDatagramTooLarge = errors.New("i2pbind: datagram exceeds I2P maximum size")
	ErrI2PParseAddress     = errors.New("i2pbind: could not parse sender address")
)

// Daemon lifecycle.
var (
	ErrDaemonConfigRequired = fmt.Errorf("daemon: config %w", ErrInvalidInput)
	ErrDaemonNotRunning     = fmt.Errorf("daemon: not running: %w", ErrInvalidState)
	ErrNoTunnelTarget       = fmt.Errorf("daemon: no tunnel configured: %w", ErrConfiguration)
)

// Error is an error with an API code. Message is returned to clients; Err
// stays in the daemon's logs.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromSentinel gives err the code of the category it wraps. Unknown errors
// are internal.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	code := Code(err)
	if code == CodeInternal {
		log.WithError(err).Debug("no API code for error")
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// categories is checked in order; the first match wins.
var categories = []struct {
	err  error
	code int
}{
	{ErrUnauthorized, CodeAuthRequired},
	{ErrRateLimited, CodeRateLimited},
	{ErrTimeout, CodeTimeout},
	{ErrUnavailable, CodeUnavailable},
	{ErrInvalidInput, CodeInvalidParams},
	{ErrConfiguration, CodeConfiguration},
	{ErrInvalidState, CodeState},
}

// Code returns the API code for err.
func Code(err error) int {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsInvalidInput reports whether err is a validation failure.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
