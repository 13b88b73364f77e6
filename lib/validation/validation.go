// Package validation checks configuration values and management API
// parameters. Validators return nil on success and an error that is safe to
// show to clients. Every error wraps ErrInvalidInput from lib/errors.
package validation

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

// Common validation errors, usable with errors.Is.
var (
	ErrRequired        = fmt.Errorf("%w: field is required", apperrors.ErrInvalidInput)
	ErrTooLong         = fmt.Errorf("%w: value exceeds maximum length", apperrors.ErrInvalidInput)
	ErrInvalidFormat   = fmt.Errorf("%w: invalid format", apperrors.ErrInvalidInput)
	ErrOutOfRange      = fmt.Errorf("%w: value out of range", apperrors.ErrInvalidInput)
	ErrInvalidDuration = fmt.Errorf("%w: invalid duration", apperrors.ErrInvalidInput)
)

const (
	// MinMTU is the IPv6 minimum link MTU.
	MinMTU = 1280
	// MaxMTU is the largest MTU accepted for a tunnel.
	MaxMTU = 1500

	// MaxDNSServers bounds the resolvers handed to the DNS manager.
	MaxDNSServers = 8
	// MaxAddresses bounds the tunnel interface addresses.
	MaxAddresses = 8
	// MaxExcludedProcesses bounds a split.set request.
	MaxExcludedProcesses = 1024

	// MaxI2PDestinationLength covers base64 destinations with certificates.
	MaxI2PDestinationLength = 1024
)

// Result is a validation failure on one field.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying sentinel.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{Field: field, Message: message, Err: err}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string does not exceed max runes.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("must be at most %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that value lies within [min, max].
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Duration parses a duration string. Empty means "use the default" and
// yields zero.
func Duration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewResult(field, "invalid duration format", ErrInvalidDuration)
	}
	if d < 0 {
		return 0, NewResult(field, "duration cannot be negative", ErrOutOfRange)
	}
	return d, nil
}

// DurationRange parses a duration and checks non-zero values against bounds.
func DurationRange(field, value string, min, max time.Duration) (time.Duration, error) {
	d, err := Duration(field, value)
	if err != nil {
		return 0, err
	}
	if d != 0 && (d < min || d > max) {
		return 0, NewResult(field, fmt.Sprintf("must be between %s and %s", min, max), ErrOutOfRange)
	}
	return d, nil
}

// HostPort validates a host:port listen or dial address. The host may be
// empty to listen on all interfaces.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return NewResult(field, "port must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// WireGuardKey parses a base64 WireGuard key.
func WireGuardKey(field, value string) (wgtypes.Key, error) {
	if err := Required(field, value); err != nil {
		return wgtypes.Key{}, err
	}
	key, err := wgtypes.ParseKey(value)
	if err != nil {
		return wgtypes.Key{}, NewResult(field, "must be a base64 WireGuard key", ErrInvalidFormat)
	}
	return key, nil
}

// Endpoint parses an ip:port tunnel endpoint.
func Endpoint(field, value string) (netip.AddrPort, error) {
	if err := Required(field, value); err != nil {
		return netip.AddrPort{}, err
	}
	ap, err := netip.ParseAddrPort(value)
	if err != nil {
		return netip.AddrPort{}, NewResult(field, "must be an ip:port address (resolve host names first)", ErrInvalidFormat)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, NewResult(field, "port must be non-zero", ErrOutOfRange)
	}
	return ap, nil
}

// Prefixes parses CIDR strings, requiring at least one.
func Prefixes(field string, values []string) ([]netip.Prefix, error) {
	if len(values) == 0 {
		return nil, NewResult(field, "at least one address is required", ErrRequired)
	}
	if len(values) > MaxAddresses {
		return nil, NewResult(field, fmt.Sprintf("at most %d addresses", MaxAddresses), ErrOutOfRange)
	}
	out := make([]netip.Prefix, 0, len(values))
	for i, v := range values {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, NewResult(fmt.Sprintf("%s[%d]", field, i), "must be valid CIDR notation (e.g., 10.64.0.2/32)", ErrInvalidFormat)
		}
		out = append(out, p)
	}
	return out, nil
}

// Addrs parses optional IP addresses such as DNS servers.
func Addrs(field string, values []string) ([]netip.Addr, error) {
	if len(values) > MaxDNSServers {
		return nil, NewResult(field, fmt.Sprintf("at most %d addresses", MaxDNSServers), ErrOutOfRange)
	}
	var out []netip.Addr
	for i, v := range values {
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, NewResult(fmt.Sprintf("%s[%d]", field, i), "must be an IP address", ErrInvalidFormat)
		}
		out = append(out, a)
	}
	return out, nil
}

// MTU validates a tunnel MTU. Zero selects the default.
func MTU(field string, value int) error {
	if value == 0 {
		return nil
	}
	return IntRange(field, value, MinMTU, MaxMTU)
}

// I2PDestination checks the shape of a base32 or base64 I2P address.
func I2PDestination(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxI2PDestinationLength); err != nil {
		return err
	}
	if strings.HasSuffix(value, ".b32.i2p") || strings.HasSuffix(value, ".i2p") || len(value) >= 387 {
		return nil
	}
	return NewResult(field, "must be a .b32.i2p address or a base64 destination", ErrInvalidFormat)
}

// PIDs validates a process id list.
func PIDs(field string, pids []int) error {
	if len(pids) > MaxExcludedProcesses {
		return NewResult(field, fmt.Sprintf("at most %d processes", MaxExcludedProcesses), ErrOutOfRange)
	}
	for i, pid := range pids {
		if pid <= 0 {
			return NewResult(fmt.Sprintf("%s[%d]", field, i), "must be a positive process id", ErrOutOfRange)
		}
	}
	return nil
}

// All runs validators in order and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends err unless it is nil.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors reports whether any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error joins all messages.
func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
