//go:build !linux

package offline

import (
	"context"
	"fmt"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

// NetlinkMonitor is unavailable outside Linux; use ProbeMonitor instead.
type NetlinkMonitor struct{}

// NewNetlinkMonitor returns a monitor whose Start always fails.
func NewNetlinkMonitor([]string, func(bool)) *NetlinkMonitor { return &NetlinkMonitor{} }

func (*NetlinkMonitor) Start(context.Context) error {
	return fmt.Errorf("%w: netlink requires linux", apperrors.ErrUnavailable)
}

func (*NetlinkMonitor) Stop() {}

func (*NetlinkMonitor) Offline() bool { return false }

var _ Monitor = (*NetlinkMonitor)(nil)
