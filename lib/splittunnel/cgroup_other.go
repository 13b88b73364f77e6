//go:build !linux

package splittunnel

import (
	"fmt"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// Cgroup is unavailable outside Linux.
type Cgroup struct{}

// NewCgroup always fails on this platform.
func NewCgroup(Config) (*Cgroup, error) {
	return nil, fmt.Errorf("%w: split tunneling requires linux", apperrors.ErrUnavailable)
}

func (*Cgroup) ClassID() uint32 { return 0 }

func (*Cgroup) SetExcluded([]int) error { return apperrors.ErrUnavailable }

func (*Cgroup) Excluded() []int { return nil }

func (*Cgroup) Close() error { return nil }

var _ tunnelstate.SplitTunnel = (*Cgroup)(nil)
