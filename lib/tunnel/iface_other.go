//go:build !linux

package tunnel

import (
	"fmt"
	"net/netip"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

var configureInterface = func(string, []netip.Prefix, int) error {
	return fmt.Errorf("%w: kernel interface configuration requires linux; use netstack", apperrors.ErrUnavailable)
}
