package tunnelstate

import "time"

// enterDisconnecting blocks traffic and asks the tunnel to close.
func (m *Machine) enterDisconnecting(s *state) *state {
	// The close must still be awaited when this fails; the collaborator
	// leaves the host default-deny.
	_ = m.applyPolicy(blockedPolicy(m.shared.allowLAN))

	if s.tunnel != nil {
		s.tunnel.Close()
		if m.cfg.CloseTimeout > 0 {
			s.closeTimer = time.NewTimer(m.cfg.CloseTimeout)
		}
	}
	return s
}

func (m *Machine) handleDisconnecting(s *state, in input) eventConsequence {
	switch in.kind {
	case inputClosed:
		if s.tunnel != nil {
			if err := s.tunnel.Err(); err != nil {
				m.logger.Debug("tunnel closed", "generation", s.tunnel.generation, "error", err)
			}
		}
		return next(m.afterDisconnect(s.after))

	case inputCloseTimeout:
		m.killTunnel(s.tunnel)
		return same()

	case inputCommand:
		m.foldCommand(s, in.cmd)
		return same()
	}
	return nothing()
}

// foldCommand records a command received while the tunnel is closing by
// rewriting what happens once it has closed.
func (m *Machine) foldCommand(s *state, cmd Command) {
	switch c := cmd.(type) {
	case Connect:
		m.setTarget(c.Params)
		s.after = afterReconnect(c.Params, 0)
	case Reconnect:
		if s.after.Kind != AfterNothing && m.shared.target != nil {
			s.after = afterReconnect(*m.shared.target, 0)
		}
	case Disconnect:
		s.after = afterNothing()
	case Block:
		s.after = afterBlock(c.Cause)
	case IsOffline:
		m.shared.isOffline = c.Offline
		switch {
		case c.Offline && s.after.Kind == AfterReconnect:
			s.after = afterBlock(CauseIsOffline)
		case !c.Offline && s.after.Kind == AfterBlock && s.after.Cause == CauseIsOffline && m.shared.target != nil:
			s.after = afterReconnect(*m.shared.target, 0)
		}
	case AllowLan, BlockWhenDisconnected:
		if m.updateSetting(c) {
			_ = m.applyPolicy(blockedPolicy(m.shared.allowLAN))
		}
	case ExcludeProcesses:
		m.setExcluded(c.PIDs)
	}
}

func (m *Machine) afterDisconnect(after AfterDisconnect) *state {
	switch after.Kind {
	case AfterReconnect:
		return connectingState(after.Params, after.RetryAttempt)
	case AfterBlock:
		return errorState(after.Cause)
	default:
		return disconnectedState()
	}
}
