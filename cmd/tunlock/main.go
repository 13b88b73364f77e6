// tunlock is a fail-closed WireGuard client daemon.
//
// The daemon drives a tunnel state machine that keeps the host firewall in
// step with the tunnel: traffic only leaves through the tunnel, and lockdown
// mode keeps it blocked while disconnected. The other subcommands talk to a
// running daemon over its management socket.
//
// Usage:
//
//	tunlock daemon [--config FILE]
//	tunlock status
//	tunlock connect [--endpoint HOST:PORT --peer KEY --address CIDR]
//	tunlock disconnect | reconnect
//	tunlock lan on|off
//	tunlock lockdown on|off
//	tunlock split set PID... | split list | split clear
//	tunlock watch [--follow]
//	tunlock key show|rotate
//	tunlock version
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
