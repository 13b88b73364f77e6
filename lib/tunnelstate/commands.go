package tunnelstate

// Command is an instruction for the state machine. Commands are applied
// strictly in the order they were enqueued.
type Command interface {
	isCommand()
}

// Connect asks for a tunnel with the given parameters.
type Connect struct {
	Params TunnelParameters
}

// Disconnect tears the tunnel down and returns to Disconnected.
type Disconnect struct{}

// Reconnect forces a fresh attempt towards the most recent Connect target.
type Reconnect struct{}

// Block tears the tunnel down and holds the Error state with Cause.
type Block struct {
	Cause ErrorStateCause
}

// AllowLan toggles the LAN exception in every firewall policy.
type AllowLan struct {
	Allow bool
}

// BlockWhenDisconnected toggles holding the blocking policy while Disconnected.
type BlockWhenDisconnected struct {
	Block bool
}

// IsOffline reports a change in host connectivity.
type IsOffline struct {
	Offline bool
}

// ExcludeProcesses replaces the set of processes kept outside the tunnel.
type ExcludeProcesses struct {
	PIDs []int
}

func (Connect) isCommand()               {}
func (Disconnect) isCommand()            {}
func (Reconnect) isCommand()             {}
func (Block) isCommand()                 {}
func (AllowLan) isCommand()              {}
func (BlockWhenDisconnected) isCommand() {}
func (IsOffline) isCommand()             {}
func (ExcludeProcesses) isCommand()      {}

// EventKind distinguishes tunnel events.
type EventKind int

const (
	EventUp EventKind = iota
	EventDown
)

func (k EventKind) String() string {
	if k == EventUp {
		return "up"
	}
	return "down"
}

// TunnelEvent is reported by a tunnel attempt. Generation is the value passed
// to TunnelMonitor.Start; events from any other generation are discarded.
type TunnelEvent struct {
	Kind       EventKind
	Metadata   TunnelMetadata
	Generation uint64
}
