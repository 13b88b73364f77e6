package tunnelstate

// SetTransitionHook installs fn to observe each transition on the machine
// goroutine, before subscribers see it. Must be called before Run.
func SetTransitionHook(m *Machine, fn func(TunnelStateTransition)) {
	m.onTransition = fn
}
