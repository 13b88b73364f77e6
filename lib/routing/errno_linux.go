//go:build linux

package routing

import "golang.org/x/sys/unix"

// errNoSuchRoute is returned by RTM_DELROUTE for routes already gone.
var errNoSuchRoute error = unix.ESRCH
