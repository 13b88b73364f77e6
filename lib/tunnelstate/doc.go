// Package tunnelstate implements the tunnel state machine: a single actor
// that owns the current tunnel lifecycle stage, consumes commands in arrival
// order together with events from the active tunnel attempt, and drives the
// firewall, DNS, routing and split-tunnel collaborators so that traffic is
// never left unprotected between stages.
//
// The machine moves between five states:
//
//	Disconnected --Connect--> Connecting --Up--> Connected
//	     ^                        |                  |
//	     |                        +----> Disconnecting <----+
//	     |                                    |
//	     +---------------<--------------------+----> Error
//
// Every edge away from Connecting or Connected passes through Disconnecting,
// which waits for the tunnel to close before anything else is started.
//
// Callers interact with the machine only through Enqueue and the transition
// stream returned by Subscribe.
package tunnelstate
