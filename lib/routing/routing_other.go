//go:build !linux

package routing

import (
	"fmt"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// Manager is unavailable outside Linux.
type Manager struct{}

// NewManager returns a Manager whose Apply always fails.
func NewManager() *Manager { return &Manager{} }

// Apply is not supported on this platform.
func (*Manager) Apply(tunnelstate.Routes) error {
	return fmt.Errorf("%w: route management requires linux", apperrors.ErrRoutesApply)
}

// Clear has nothing to remove.
func (*Manager) Clear() error { return nil }

var _ tunnelstate.RouteManager = (*Manager)(nil)
