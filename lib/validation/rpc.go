package validation

import (
	"time"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// Target is the textual description of a tunnel target as it arrives from
// the config file or a tunnel.connect request.
type Target struct {
	Endpoint       string
	PeerPublicKey  string
	PresharedKey   string
	Addresses      []string
	DNSServers     []string
	Obfuscation    string
	I2PDestination string
	MTU            int
	Keepalive      string
}

// TunnelTarget converts t into tunnel parameters. The private key is not part
// of a target; the caller fills it from the local identity.
func TunnelTarget(t Target) (tunnelstate.TunnelParameters, error) {
	var p tunnelstate.TunnelParameters

	obfs, err := tunnelstate.ParseObfuscation(t.Obfuscation)
	if err != nil {
		return p, NewResult("obfuscation", "must be \"none\" or \"i2p\"", ErrInvalidFormat)
	}
	p.Obfuscation = obfs

	if obfs == tunnelstate.ObfuscationI2P {
		if err := I2PDestination("i2p_destination", t.I2PDestination); err != nil {
			return p, err
		}
		p.I2PDestination = t.I2PDestination
		// I2P traffic leaves through the local SAM bridge, so a UDP
		// endpoint is optional.
		if t.Endpoint != "" {
			if p.Endpoint, err = Endpoint("endpoint", t.Endpoint); err != nil {
				return p, err
			}
		}
	} else if p.Endpoint, err = Endpoint("endpoint", t.Endpoint); err != nil {
		return p, err
	}

	if p.PeerPublicKey, err = WireGuardKey("peer_public_key", t.PeerPublicKey); err != nil {
		return p, err
	}
	if t.PresharedKey != "" {
		if p.PresharedKey, err = WireGuardKey("preshared_key", t.PresharedKey); err != nil {
			return p, err
		}
	}
	if p.Addresses, err = Prefixes("addresses", t.Addresses); err != nil {
		return p, err
	}
	if p.DNSServers, err = Addrs("dns_servers", t.DNSServers); err != nil {
		return p, err
	}
	if err := MTU("mtu", t.MTU); err != nil {
		return p, err
	}
	p.MTU = t.MTU
	if p.Keepalive, err = DurationRange("keepalive", t.Keepalive, time.Second, 10*time.Minute); err != nil {
		return p, err
	}
	return p, nil
}

// ValidateSplitSetParams validates parameters for the split.set RPC method.
func ValidateSplitSetParams(pids []int) error {
	return PIDs("pids", pids)
}

// MaxWatchTimeout bounds a state.watch long poll.
const MaxWatchTimeout = 5 * time.Minute

// ValidateWatchParams validates parameters for the state.watch RPC method.
// A zero timeout selects def.
func ValidateWatchParams(afterSeq int64, timeoutMS int, def time.Duration) (time.Duration, error) {
	if afterSeq < 0 {
		return 0, NewResult("after_seq", "cannot be negative", ErrOutOfRange)
	}
	if timeoutMS == 0 {
		return def, nil
	}
	if err := IntRange("timeout_ms", timeoutMS, 1, int(MaxWatchTimeout/time.Millisecond)); err != nil {
		return 0, err
	}
	return time.Duration(timeoutMS) * time.Millisecond, nil
}
