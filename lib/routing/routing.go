// Package routing steers traffic into the tunnel interface while connected.
package routing

import (
	"net"
	"net/netip"
)

func ipNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr().Unmap()
	bits := p.Bits()
	if p.Addr().Is4In6() {
		bits -= 96
	}
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(bits, addr.BitLen()),
	}
}

func hostPrefix(a netip.Addr) netip.Prefix {
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen())
}
