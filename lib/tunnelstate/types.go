package tunnelstate

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Protocol is the transport the tunnel endpoint is reached over.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Obfuscation selects how WireGuard packets are carried to the endpoint.
type Obfuscation int

const (
	ObfuscationNone Obfuscation = iota
	// ObfuscationI2P tunnels the WireGuard datagrams through an I2P SAM bridge.
	ObfuscationI2P
)

func (o Obfuscation) String() string {
	switch o {
	case ObfuscationNone:
		return "none"
	case ObfuscationI2P:
		return "i2p"
	default:
		return "unknown"
	}
}

// ParseObfuscation parses the textual form produced by String.
func ParseObfuscation(s string) (Obfuscation, error) {
	switch s {
	case "", "none":
		return ObfuscationNone, nil
	case "i2p":
		return ObfuscationI2P, nil
	default:
		return ObfuscationNone, fmt.Errorf("unknown obfuscation %q", s)
	}
}

// TunnelParameters is a fully resolved connection target.
type TunnelParameters struct {
	Endpoint    netip.AddrPort
	Protocol    Protocol
	Obfuscation Obfuscation
	// I2PDestination is the peer's base32/base64 I2P address when Obfuscation is I2P.
	I2PDestination string

	PrivateKey    wgtypes.Key
	PeerPublicKey wgtypes.Key
	PresharedKey  wgtypes.Key

	// Addresses are assigned to the tunnel interface.
	Addresses  []netip.Prefix
	DNSServers []netip.Addr
	MTU        int
	Keepalive  time.Duration
}

// Equal reports whether both parameter sets describe the same tunnel.
// A Connect carrying parameters equal to the current ones is a no-op.
func (p TunnelParameters) Equal(o TunnelParameters) bool {
	return p.Endpoint == o.Endpoint &&
		p.Protocol == o.Protocol &&
		p.Obfuscation == o.Obfuscation &&
		p.I2PDestination == o.I2PDestination &&
		p.PrivateKey == o.PrivateKey &&
		p.PeerPublicKey == o.PeerPublicKey &&
		p.PresharedKey == o.PresharedKey &&
		slices.Equal(p.Addresses, o.Addresses) &&
		slices.Equal(p.DNSServers, o.DNSServers) &&
		p.MTU == o.MTU &&
		p.Keepalive == o.Keepalive
}

// HasIPv6 reports whether any tunnel address is IPv6.
func (p TunnelParameters) HasIPv6() bool {
	for _, a := range p.Addresses {
		if a.Addr().Is6() && !a.Addr().Is4In6() {
			return true
		}
	}
	return false
}

// TunnelMetadata describes an established tunnel.
type TunnelMetadata struct {
	Interface string         `json:"interface"`
	Addresses []netip.Prefix `json:"addresses,omitempty"`
	Gateway   netip.Addr     `json:"gateway,omitzero"`
}

func (m TunnelMetadata) equal(o TunnelMetadata) bool {
	return m.Interface == o.Interface &&
		m.Gateway == o.Gateway &&
		slices.Equal(m.Addresses, o.Addresses)
}

// ErrorStateCause explains why the machine is in the Error state.
type ErrorStateCause int

const (
	CauseIsOffline ErrorStateCause = iota
	CauseAuthFailed
	CauseIPv6Unavailable
	CauseSetFirewallPolicyError
	CauseSetDNSError
	CauseStartTunnelError
	CauseTunnelParameterError
	CauseUserCanceled
)

var causeNames = map[ErrorStateCause]string{
	CauseIsOffline:              "is_offline",
	CauseAuthFailed:             "auth_failed",
	CauseIPv6Unavailable:        "ipv6_unavailable",
	CauseSetFirewallPolicyError: "set_firewall_policy_error",
	CauseSetDNSError:            "set_dns_error",
	CauseStartTunnelError:       "start_tunnel_error",
	CauseTunnelParameterError:   "tunnel_parameter_error",
	CauseUserCanceled:           "user_canceled",
}

func (c ErrorStateCause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c ErrorStateCause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ErrorStateCause) UnmarshalText(text []byte) error {
	for cause, name := range causeNames {
		if name == string(text) {
			*c = cause
			return nil
		}
	}
	return fmt.Errorf("unknown error state cause %q", text)
}

// AfterDisconnectKind is what Disconnecting does once the tunnel has closed.
type AfterDisconnectKind int

const (
	AfterNothing AfterDisconnectKind = iota
	AfterReconnect
	AfterBlock
)

func (k AfterDisconnectKind) String() string {
	switch k {
	case AfterNothing:
		return "nothing"
	case AfterReconnect:
		return "reconnect"
	case AfterBlock:
		return "block"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k AfterDisconnectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AfterDisconnectKind) UnmarshalText(text []byte) error {
	for a := AfterNothing; a <= AfterBlock; a++ {
		if a.String() == string(text) {
			*k = a
			return nil
		}
	}
	return fmt.Errorf("unknown after-disconnect action %q", text)
}

// AfterDisconnect is the deferred instruction carried by Disconnecting.
type AfterDisconnect struct {
	Kind AfterDisconnectKind
	// Params and RetryAttempt are set for AfterReconnect.
	Params       TunnelParameters
	RetryAttempt uint32
	// Cause is set for AfterBlock.
	Cause ErrorStateCause
}

func afterNothing() AfterDisconnect { return AfterDisconnect{Kind: AfterNothing} }

func afterReconnect(p TunnelParameters, attempt uint32) AfterDisconnect {
	return AfterDisconnect{Kind: AfterReconnect, Params: p, RetryAttempt: attempt}
}

func afterBlock(cause ErrorStateCause) AfterDisconnect {
	return AfterDisconnect{Kind: AfterBlock, Cause: cause}
}

// StateKind identifies a lifecycle stage.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StateKind) UnmarshalText(text []byte) error {
	for s := StateDisconnected; s <= StateError; s++ {
		if s.String() == string(text) {
			*k = s
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// TunnelStateTransition is the externally observable projection of the
// machine's state. Only the fields relevant to State are populated.
type TunnelStateTransition struct {
	// Seq increases by one for every broadcast transition.
	Seq   uint64    `json:"seq"`
	State StateKind `json:"state"`

	// Connecting and Connected.
	Endpoint     netip.AddrPort  `json:"endpoint,omitzero"`
	Obfuscation  string          `json:"obfuscation,omitempty"`
	RetryAttempt uint32          `json:"retry_attempt,omitempty"`
	Metadata     *TunnelMetadata `json:"metadata,omitempty"`

	// Disconnecting.
	After AfterDisconnectKind `json:"-"`

	// Error.
	Cause ErrorStateCause `json:"-"`
	// BlockFailure is non-empty when the blocking policy could not be installed.
	BlockFailure string `json:"block_failure,omitempty"`

	// Disconnected: the blocking policy is held while disconnected.
	Locked bool `json:"locked,omitempty"`
}

// MarshalJSON emits the after action only for Disconnecting and the cause
// only for Error.
func (t TunnelStateTransition) MarshalJSON() ([]byte, error) {
	type plain TunnelStateTransition
	out := struct {
		plain
		After *AfterDisconnectKind `json:"after,omitempty"`
		Cause *ErrorStateCause     `json:"cause,omitempty"`
	}{plain: plain(t)}
	switch t.State {
	case StateDisconnecting:
		after := t.After
		out.After = &after
	case StateError:
		cause := t.Cause
		out.Cause = &cause
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *TunnelStateTransition) UnmarshalJSON(data []byte) error {
	type plain TunnelStateTransition
	in := struct {
		*plain
		After *AfterDisconnectKind `json:"after,omitempty"`
		Cause *ErrorStateCause     `json:"cause,omitempty"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.After != nil {
		t.After = *in.After
	}
	if in.Cause != nil {
		t.Cause = *in.Cause
	}
	return nil
}

// sameProjection compares two transitions ignoring Seq.
func sameProjection(a, b TunnelStateTransition) bool {
	if a.Metadata == nil || b.Metadata == nil {
		if a.Metadata != b.Metadata {
			return false
		}
	} else if !a.Metadata.equal(*b.Metadata) {
		return false
	}
	return a.State == b.State &&
		a.Endpoint == b.Endpoint &&
		a.Obfuscation == b.Obfuscation &&
		a.RetryAttempt == b.RetryAttempt &&
		a.After == b.After &&
		a.Cause == b.Cause &&
		a.BlockFailure == b.BlockFailure &&
		a.Locked == b.Locked
}

// PolicyKind is the shape of a firewall policy.
type PolicyKind int

const (
	// PolicyBlocked allows nothing but loopback and, optionally, LAN traffic.
	PolicyBlocked PolicyKind = iota
	// PolicyConnecting additionally allows traffic to the tunnel endpoint.
	PolicyConnecting
	// PolicyConnected additionally allows traffic on the tunnel interface.
	PolicyConnected
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyBlocked:
		return "blocked"
	case PolicyConnecting:
		return "connecting"
	case PolicyConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Policy is a high-level firewall policy handed to the Firewall collaborator.
type Policy struct {
	Kind     PolicyKind
	AllowLAN bool
	// Endpoint and Protocol are set for PolicyConnecting and PolicyConnected.
	Endpoint netip.AddrPort
	Protocol Protocol
	// Interface is the tunnel interface, set for PolicyConnected.
	Interface string
}

func blockedPolicy(allowLAN bool) Policy {
	return Policy{Kind: PolicyBlocked, AllowLAN: allowLAN}
}

// Routes is the routing configuration installed while Connected.
type Routes struct {
	Interface string
	Prefixes  []netip.Prefix
	// Endpoint keeps its route through the physical gateway.
	Endpoint netip.Addr
}

var (
	ipv4Halves = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/1"),
		netip.MustParsePrefix("128.0.0.0/1"),
	}
	ipv6Halves = []netip.Prefix{
		netip.MustParsePrefix("::/1"),
		netip.MustParsePrefix("8000::/1"),
	}
)

// tunnelRoutes sends every address family the tunnel carries through it.
func tunnelRoutes(p TunnelParameters, md TunnelMetadata) Routes {
	r := Routes{Interface: md.Interface, Endpoint: p.Endpoint.Addr()}
	var v4, v6 bool
	for _, a := range p.Addresses {
		if a.Addr().Is4() {
			v4 = true
		} else {
			v6 = true
		}
	}
	if v4 {
		r.Prefixes = append(r.Prefixes, ipv4Halves...)
	}
	if v6 {
		r.Prefixes = append(r.Prefixes, ipv6Halves...)
	}
	return r
}
