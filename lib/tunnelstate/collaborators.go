package tunnelstate

import (
	"context"
	"net/netip"
)

// Firewall installs packet filter policies. Implementations must leave the
// host in a default-deny configuration when ApplyPolicy fails part way.
type Firewall interface {
	ApplyPolicy(Policy) error
	// ResetPolicy removes every rule the firewall installed.
	ResetPolicy() error
}

// TunnelMonitor starts tunnel attempts. Start must return promptly: slow
// negotiation belongs on the tunnel's own goroutines and is reported through
// its event stream and close future.
type TunnelMonitor interface {
	Start(ctx context.Context, params TunnelParameters, generation uint64) (Tunnel, error)
}

// Tunnel is one live tunnel attempt.
//
// Events must never block the sender indefinitely once Close was called, as
// the machine stops reading events while it waits for Done.
type Tunnel interface {
	Events() <-chan TunnelEvent
	// Done is closed once the tunnel has been fully torn down.
	Done() <-chan struct{}
	// Err reports why the tunnel closed. Valid after Done is closed.
	Err() error
	// Close requests a graceful teardown without blocking.
	Close()
}

// Killer is implemented by tunnels that can be torn down forcibly when a
// graceful close takes too long.
type Killer interface {
	Kill()
}

// DNS points the system resolver at the tunnel while Connected.
type DNS interface {
	Set(iface string, servers []netip.Addr) error
	Reset() error
}

// RouteManager installs the routes sending traffic into the tunnel.
type RouteManager interface {
	Apply(Routes) error
	Clear() error
}

// SplitTunnel keeps the given processes outside the tunnel.
type SplitTunnel interface {
	SetExcluded(pids []int) error
}

// APIAvailability gates the daemon's own background traffic.
type APIAvailability interface {
	Pause()
	Resume()
}

// Blackhole drops all traffic at the device layer. It is used in the Error
// state on hosts where the firewall reports ErrFirewallUnavailable.
type Blackhole interface {
	Engage() error
	Release() error
}

// Collaborators are the subsystems driven by the machine. Firewall and
// Tunnels are required; the rest default to no-ops.
type Collaborators struct {
	Firewall    Firewall
	Tunnels     TunnelMonitor
	DNS         DNS
	Routes      RouteManager
	SplitTunnel SplitTunnel
	API         APIAvailability
	Blackhole   Blackhole
}

type nopDNS struct{}

func (nopDNS) Set(string, []netip.Addr) error { return nil }
func (nopDNS) Reset() error                   { return nil }

type nopRoutes struct{}

func (nopRoutes) Apply(Routes) error { return nil }
func (nopRoutes) Clear() error       { return nil }

type nopSplitTunnel struct{}

func (nopSplitTunnel) SetExcluded([]int) error { return nil }

type nopAPI struct{}

func (nopAPI) Pause()  {}
func (nopAPI) Resume() {}
