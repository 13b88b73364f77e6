package tunnelstate

// enterDisconnected holds the blocking policy when block-when-disconnected is
// set and otherwise removes every rule.
func (m *Machine) enterDisconnected(s *state) *state {
	m.applyDisconnectedPolicy(s)
	m.resetDNS()
	m.clearRoutes()
	if !s.locked {
		m.shared.api.Resume()
	}
	return s
}

func (m *Machine) applyDisconnectedPolicy(s *state) {
	s.locked = m.shared.blockWhenDisconnected
	if s.locked {
		// Failure is logged by applyPolicy; the collaborator stays default-deny.
		_ = m.applyPolicy(blockedPolicy(m.shared.allowLAN))
		return
	}
	if err := m.shared.firewall.ResetPolicy(); err != nil {
		m.logger.Error("failed to reset firewall policy", "error", err)
	}
}

func (m *Machine) handleDisconnected(s *state, in input) eventConsequence {
	if in.kind != inputCommand {
		return nothing()
	}

	switch cmd := in.cmd.(type) {
	case Connect:
		m.setTarget(cmd.Params)
		return next(connectingState(cmd.Params, 0))
	case AllowLan, BlockWhenDisconnected:
		if m.updateSetting(cmd) {
			wasLocked := s.locked
			m.applyDisconnectedPolicy(s)
			if wasLocked && !s.locked {
				m.shared.api.Resume()
			}
		}
		return same()
	case IsOffline:
		m.shared.isOffline = cmd.Offline
		return same()
	case ExcludeProcesses:
		m.setExcluded(cmd.PIDs)
		return same()
	}
	// Disconnect, Reconnect and Block have nothing to act on.
	return same()
}
