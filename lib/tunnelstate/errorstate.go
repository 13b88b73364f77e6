package tunnelstate

import (
	"errors"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

// enterError installs the strictest policy and pauses background API traffic.
func (m *Machine) enterError(s *state) *state {
	m.block(s)
	m.shared.api.Pause()
	return s
}

// block applies the blocking policy for s, falling back to the blackhole
// device when the host has no packet filter. The outcome is recorded in
// s.blockFailure.
func (m *Machine) block(s *state) {
	err := m.applyPolicy(blockedPolicy(m.shared.allowLAN))
	if err == nil {
		s.blockFailure = nil
		m.releaseBlackhole(s)
		return
	}
	if !errors.Is(err, apperrors.ErrFirewallUnavailable) || m.shared.blackhole == nil {
		s.blockFailure = err
		return
	}
	if s.blackholed {
		s.blockFailure = nil
		return
	}
	if bhErr := m.shared.blackhole.Engage(); bhErr != nil {
		m.logger.Error("failed to engage blackhole device", "error", bhErr)
		s.blockFailure = errors.Join(err, bhErr)
		return
	}
	m.logger.Warn("no packet filter available, dropping traffic at the device layer")
	s.blackholed = true
	s.blockFailure = nil
}

func (m *Machine) releaseBlackhole(s *state) {
	if !s.blackholed {
		return
	}
	if err := m.shared.blackhole.Release(); err != nil {
		m.logger.Warn("failed to release blackhole device", "error", err)
	}
	s.blackholed = false
}

func (m *Machine) handleError(s *state, in input) eventConsequence {
	if in.kind != inputCommand {
		return nothing()
	}

	switch cmd := in.cmd.(type) {
	case Connect:
		m.setTarget(cmd.Params)
		return next(connectingState(cmd.Params, 0))
	case Reconnect:
		if m.shared.target == nil {
			return same()
		}
		return next(connectingState(*m.shared.target, 0))
	case Disconnect:
		return next(disconnectedState())
	case Block:
		s.cause = cmd.Cause
		return same()
	case IsOffline:
		m.shared.isOffline = cmd.Offline
		if !cmd.Offline && s.cause == CauseIsOffline && m.shared.target != nil {
			return next(connectingState(*m.shared.target, 0))
		}
		return same()
	case AllowLan, BlockWhenDisconnected:
		if m.updateSetting(cmd) {
			m.block(s)
		}
		return same()
	case ExcludeProcesses:
		m.setExcluded(cmd.PIDs)
		return same()
	}
	return same()
}
