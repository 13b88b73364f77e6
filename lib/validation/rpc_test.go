package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

func validTarget() Target {
	return Target{
		Endpoint:      "198.51.100.7:51820",
		PeerPublicKey: testKey,
		Addresses:     []string{"10.64.0.2/32"},
		DNSServers:    []string{"10.64.0.1"},
	}
}

func TestTunnelTarget(t *testing.T) {
	p, err := TunnelTarget(validTarget())
	if err != nil {
		t.Fatalf("TunnelTarget() error = %v", err)
	}
	if p.Endpoint.Port() != 51820 || p.Obfuscation != tunnelstate.ObfuscationNone {
		t.Errorf("TunnelTarget() = %+v", p)
	}
	if len(p.DNSServers) != 1 || p.Keepalive != 0 || p.MTU != 0 {
		t.Errorf("TunnelTarget() defaults = %+v", p)
	}
}

func TestTunnelTargetErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Target)
		field  string
	}{
		{"missing endpoint", func(t *Target) { t.Endpoint = "" }, "endpoint"},
		{"bad key", func(t *Target) { t.PeerPublicKey = "xyz" }, "peer_public_key"},
		{"bad psk", func(t *Target) { t.PresharedKey = "xyz" }, "preshared_key"},
		{"no addresses", func(t *Target) { t.Addresses = nil }, "addresses"},
		{"bad dns", func(t *Target) { t.DNSServers = []string{"x"} }, "dns_servers[0]"},
		{"bad obfuscation", func(t *Target) { t.Obfuscation = "shadowsocks" }, "obfuscation"},
		{"bad mtu", func(t *Target) { t.MTU = 100 }, "mtu"},
		{"bad keepalive", func(t *Target) { t.Keepalive = "1h" }, "keepalive"},
		{"i2p without destination", func(t *Target) { t.Obfuscation = "i2p" }, "i2p_destination"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := validTarget()
			tt.mutate(&target)
			_, err := TunnelTarget(target)
			var res *Result
			if !errors.As(err, &res) {
				t.Fatalf("TunnelTarget() error = %v, want *Result", err)
			}
			if res.Field != tt.field {
				t.Errorf("field = %q, want %q", res.Field, tt.field)
			}
		})
	}
}

func TestTunnelTargetI2P(t *testing.T) {
	target := validTarget()
	target.Endpoint = ""
	target.Obfuscation = "i2p"
	target.I2PDestination = strings.Repeat("b", 52) + ".b32.i2p"
	target.Keepalive = "25s"

	p, err := TunnelTarget(target)
	if err != nil {
		t.Fatalf("TunnelTarget() error = %v", err)
	}
	if p.Obfuscation != tunnelstate.ObfuscationI2P || p.Endpoint.IsValid() {
		t.Errorf("TunnelTarget() = %+v", p)
	}
	if p.Keepalive != 25*time.Second {
		t.Errorf("Keepalive = %v", p.Keepalive)
	}
}

func TestValidateSplitSetParams(t *testing.T) {
	if err := ValidateSplitSetParams([]int{100, 200}); err != nil {
		t.Errorf("ValidateSplitSetParams() = %v", err)
	}
	if err := ValidateSplitSetParams([]int{-1}); err == nil {
		t.Error("negative pid accepted")
	}
}

func TestValidateWatchParams(t *testing.T) {
	d, err := ValidateWatchParams(0, 0, 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Errorf("default timeout = %v, %v", d, err)
	}
	d, err = ValidateWatchParams(5, 1500, time.Second)
	if err != nil || d != 1500*time.Millisecond {
		t.Errorf("explicit timeout = %v, %v", d, err)
	}
	if _, err := ValidateWatchParams(-1, 0, time.Second); err == nil {
		t.Error("negative after_seq accepted")
	}
	if _, err := ValidateWatchParams(0, int(MaxWatchTimeout/time.Millisecond)+1, time.Second); err == nil {
		t.Error("oversized timeout accepted")
	}
}
