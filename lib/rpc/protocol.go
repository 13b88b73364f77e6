// Package rpc is the tunlock management API: newline-delimited JSON-RPC 2.0
// over a Unix socket, with an optional token-authenticated TCP listener.
// It exposes tunnel state, connect and disconnect commands, settings and the
// split tunnel process list to the CLI and other local clients.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
)

// ProtocolVersion is reported by "version" so clients can detect skew.
const ProtocolVersion = "1.0"

const jsonrpcVersion = "2.0"

// Error codes. The application range is shared with lib/errors so daemon
// errors keep their code on the wire.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = apperrors.CodeInvalidParams
	ErrCodeInternal       = apperrors.CodeInternal

	ErrCodeAuthRequired     = apperrors.CodeAuthRequired
	ErrCodePermissionDenied = -32002
	ErrCodeRateLimited      = apperrors.CodeRateLimited
	ErrCodeState            = apperrors.CodeState
)

// Request is one line sent by a client. A request without an ID is still
// answered; tunlock has no notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one line sent back. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is a JSON-RPC error object. It is also returned by Client calls.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data == nil {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
}

// NewError builds an Error. data is sent to the client verbatim.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewErrorResponse answers id with err.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: jsonrpcVersion, Error: err, ID: id}
}

// NewSuccessResponse answers id with result.
func NewSuccessResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, Result: result, ID: id}
}

// ValidateRequest rejects lines that parse as JSON but are not requests.
func ValidateRequest(req *Request) error {
	switch {
	case req.JSONRPC != jsonrpcVersion:
		return fmt.Errorf("jsonrpc must be %q", jsonrpcVersion)
	case req.Method == "":
		return errors.New("method is required")
	}
	return nil
}

func ErrMethodNotFound(method string) *Error {
	return NewError(ErrCodeMethodNotFound, "method not found", method)
}

func ErrInvalidParams(details string) *Error {
	return NewError(ErrCodeInvalidParams, "invalid params", details)
}

// ErrInternal reports a daemon failure. details reach the client, so callers
// pass the error text and not internal state.
func ErrInternal(details string) *Error {
	return NewError(ErrCodeInternal, "internal error", details)
}

func ErrAuthRequired() *Error {
	return NewError(ErrCodeAuthRequired, "authentication required", nil)
}

func ErrPermissionDenied(details string) *Error {
	return NewError(ErrCodePermissionDenied, "permission denied", details)
}

func ErrRateLimited() *Error {
	return NewError(ErrCodeRateLimited, "rate limit exceeded", nil)
}

// FromError converts a daemon error into a JSON-RPC error, picking the code
// from the sentinel it wraps.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch e := apperrors.FromSentinel(err); e.Code {
	case ErrCodeInvalidParams:
		return ErrInvalidParams(e.Message)
	case ErrCodeInternal:
		return ErrInternal(e.Message)
	default:
		return NewError(e.Code, e.Message, nil)
	}
}

// StatusResult is the response for "status".
type StatusResult struct {
	// Tunnel is the most recent state transition.
	Tunnel                tunnelstate.TunnelStateTransition `json:"tunnel"`
	AllowLAN              bool                              `json:"allow_lan"`
	BlockWhenDisconnected bool                              `json:"block_when_disconnected"`
	Offline               bool                              `json:"offline"`
	// PublicKey is the local WireGuard public key to register with the server.
	PublicKey string `json:"public_key,omitempty"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
}

// ConnectParams is the request for "tunnel.connect". Empty params connect to
// the target configured in the daemon's [tunnel] section.
type ConnectParams struct {
	Endpoint       string   `json:"endpoint,omitempty"`
	PeerPublicKey  string   `json:"peer_public_key,omitempty"`
	PresharedKey   string   `json:"preshared_key,omitempty"`
	Addresses      []string `json:"addresses,omitempty"`
	DNSServers     []string `json:"dns_servers,omitempty"`
	Obfuscation    string   `json:"obfuscation,omitempty"`
	I2PDestination string   `json:"i2p_destination,omitempty"`
	MTU            int      `json:"mtu,omitempty"`
	Keepalive      string   `json:"keepalive,omitempty"`
}

// Target returns the textual target, or nil when no target was given.
func (p ConnectParams) Target() *validation.Target {
	if p.Endpoint == "" && p.PeerPublicKey == "" && p.I2PDestination == "" && len(p.Addresses) == 0 {
		return nil
	}
	return &validation.Target{
		Endpoint:       p.Endpoint,
		PeerPublicKey:  p.PeerPublicKey,
		PresharedKey:   p.PresharedKey,
		Addresses:      p.Addresses,
		DNSServers:     p.DNSServers,
		Obfuscation:    p.Obfuscation,
		I2PDestination: p.I2PDestination,
		MTU:            p.MTU,
		Keepalive:      p.Keepalive,
	}
}

// CommandResult is returned by methods that enqueue a state machine command.
// Seq is the sequence number current when the command was queued; pass it to
// state.watch to wait for the effect.
type CommandResult struct {
	Seq     uint64 `json:"seq"`
	Message string `json:"message"`
}

// ToggleParams is the request for the settings.* methods.
type ToggleParams struct {
	Enabled *bool `json:"enabled"`
}

// SplitSetParams is the request for "split.set".
type SplitSetParams struct {
	PIDs []int `json:"pids"`
}

// SplitListResult is the response for "split.list".
type SplitListResult struct {
	PIDs  []int `json:"pids"`
	Total int   `json:"total"`
}

// WatchParams is the request for "state.watch".
type WatchParams struct {
	// AfterSeq returns the first transition with a larger sequence number.
	AfterSeq int64 `json:"after_seq"`
	// TimeoutMS bounds the wait. Zero uses the server default.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// WatchResult is the response for "state.watch". On timeout Transition holds
// the current state and TimedOut is set.
type WatchResult struct {
	Transition tunnelstate.TunnelStateTransition `json:"transition"`
	TimedOut   bool                              `json:"timed_out,omitempty"`
}

// VersionResult is the response for "version".
type VersionResult struct {
	Version         string `json:"version"`
	Full            string `json:"full"`
	ProtocolVersion string `json:"protocol_version"`
}
