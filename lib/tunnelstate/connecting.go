package tunnelstate

import "time"

func (m *Machine) enterConnecting(s *state) *state {
	if m.shared.isOffline {
		m.logger.Info("host is offline, not starting tunnel")
		return m.enter(errorState(CauseIsOffline))
	}
	if m.cfg.Retry.Exhausted(s.retryAttempt) {
		m.logger.Error("giving up after too many reconnect attempts",
			"retry_attempt", s.retryAttempt, "max_retries", m.cfg.Retry.MaxRetries)
		return m.enter(errorState(CauseStartTunnelError))
	}
	if err := m.applyTunnelPolicy(m.connectingPolicy(s.params)); err != nil {
		return m.enter(errorState(CauseSetFirewallPolicyError))
	}

	if s.retryAttempt > 0 {
		delay := m.cfg.Retry.Delay(s.retryAttempt)
		m.logger.Info("waiting before reconnect", "retry_attempt", s.retryAttempt, "delay", delay)
		s.retryTimer = time.NewTimer(delay)
		return s
	}

	if err := m.startTunnel(s); err != nil {
		return m.enter(errorState(classifyStartError(err)))
	}
	return s
}

func (m *Machine) handleConnecting(s *state, in input) eventConsequence {
	switch in.kind {
	case inputRetry:
		if err := m.startTunnel(s); err != nil {
			return next(errorState(classifyStartError(err)))
		}
		return same()

	case inputEvent:
		switch in.event.Kind {
		case EventUp:
			return next(connectedState(s, in.event.Metadata))
		case EventDown:
			m.logger.Warn("tunnel went down while connecting", "retry_attempt", s.retryAttempt+1)
			return next(disconnectingState(s.tunnel, afterReconnect(s.params, s.retryAttempt+1)))
		}
		return nothing()

	case inputClosed:
		return next(disconnectingState(s.tunnel, m.afterUnexpectedClose(s)))

	case inputCommand:
		return m.handleTunnelCommand(s, in.cmd, m.connectingPolicy(s.params))
	}
	return nothing()
}

// handleTunnelCommand applies a command in a state that owns a tunnel
// attempt. policy is the state's firewall policy, re-applied on setting
// changes.
func (m *Machine) handleTunnelCommand(s *state, cmd Command, policy Policy) eventConsequence {
	switch c := cmd.(type) {
	case Connect:
		m.setTarget(c.Params)
		if c.Params.Equal(s.params) {
			return same()
		}
		return next(disconnectingState(s.tunnel, afterReconnect(c.Params, 0)))
	case Reconnect:
		return next(disconnectingState(s.tunnel, afterReconnect(s.params, 0)))
	case Disconnect:
		return next(disconnectingState(s.tunnel, afterNothing()))
	case Block:
		return next(disconnectingState(s.tunnel, afterBlock(c.Cause)))
	case IsOffline:
		m.shared.isOffline = c.Offline
		if c.Offline {
			return next(disconnectingState(s.tunnel, afterBlock(CauseIsOffline)))
		}
		return same()
	case AllowLan, BlockWhenDisconnected:
		if !m.updateSetting(c) {
			return same()
		}
		policy.AllowLAN = m.shared.allowLAN
		if err := m.applyTunnelPolicy(policy); err != nil {
			return next(disconnectingState(s.tunnel, afterBlock(CauseSetFirewallPolicyError)))
		}
		return same()
	case ExcludeProcesses:
		m.setExcluded(c.PIDs)
		return same()
	}
	return same()
}
