// Package embedded runs the tunlock daemon inside another Go program.
//
// A [VPN] owns one [core.Daemon] at a time: the state machine, its host
// collaborators and optionally the management socket. Applications that
// want a tunnel without running the tunlock binary use this package.
//
// # Quick Start
//
//	vpn, err := embedded.NewWithOptions(
//	    embedded.WithDataDir("/var/lib/my-app/vpn"),
//	    embedded.WithTunnel("198.51.100.7:51820", peerKey, "10.64.0.2/32"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vpn.Close()
//
//	if err := vpn.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	if err := vpn.Connect(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//	t, err := vpn.WaitForState(ctx, tunnelstate.StateConnected, tunnelstate.StateError)
//
// Start installs the firewall policy for the disconnected state before it
// returns, so traffic is blocked from the first moment lockdown mode is on.
//
// # Configuration
//
// Pass a full [core.Config] with [WithCoreConfig] to control retry, DNS,
// offline detection and obfuscation. The flat fields of [Config] cover the
// common case of one WireGuard peer.
//
// # Lifecycle
//
// The VPN moves through Initial, Starting, Running, Stopping and Stopped.
// A stopped VPN can be started again with a fresh daemon; the WireGuard key
// in the data directory is reused.
//
// # Events
//
// Every tunnel state transition is delivered as an [EventTunnelState] event:
//
//	for ev := range vpn.Events() {
//	    if ev.Type == embedded.EventTunnelState {
//	        fmt.Println(ev.Transition.State)
//	    }
//	}
//
// The channel is buffered. When it fills up the oldest events are dropped,
// see [VPN.DroppedEventCount].
//
// All methods on [VPN] are safe for concurrent use.
package embedded
