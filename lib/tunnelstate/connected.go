package tunnelstate

// enterConnected opens the firewall for the tunnel interface, then routes
// and DNS. Any failure tears the tunnel down into the Error state.
func (m *Machine) enterConnected(s *state) *state {
	if err := m.applyTunnelPolicy(m.connectedPolicy(s)); err != nil {
		return m.enter(disconnectingState(s.tunnel, afterBlock(CauseSetFirewallPolicyError)))
	}

	if err := m.shared.routes.Apply(tunnelRoutes(s.params, s.metadata)); err != nil {
		m.logger.Error("failed to apply tunnel routes", "interface", s.metadata.Interface, "error", err)
		m.clearRoutes()
		return m.enter(disconnectingState(s.tunnel, afterBlock(CauseStartTunnelError)))
	}

	if len(s.params.DNSServers) > 0 {
		if err := m.shared.dns.Set(s.metadata.Interface, s.params.DNSServers); err != nil {
			m.logger.Error("failed to set DNS", "interface", s.metadata.Interface, "error", err)
			m.resetDNS()
			m.clearRoutes()
			return m.enter(disconnectingState(s.tunnel, afterBlock(CauseSetDNSError)))
		}
	}

	m.shared.api.Resume()
	return s
}

func (m *Machine) handleConnected(s *state, in input) eventConsequence {
	switch in.kind {
	case inputEvent:
		if in.event.Kind == EventDown {
			m.logger.Warn("tunnel went down", "retry_attempt", s.retryAttempt+1)
			return next(disconnectingState(s.tunnel, afterReconnect(s.params, s.retryAttempt+1)))
		}
		return nothing()

	case inputClosed:
		return next(disconnectingState(s.tunnel, m.afterUnexpectedClose(s)))

	case inputCommand:
		return m.handleTunnelCommand(s, in.cmd, m.connectedPolicy(s))
	}
	return nothing()
}
