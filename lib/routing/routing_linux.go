//go:build linux

package routing

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// routeOps is the subset of netlink used by Manager.
type routeOps interface {
	LinkByName(name string) (netlink.Link, error)
	RouteGet(dst net.IP) ([]netlink.Route, error)
	RouteReplace(r *netlink.Route) error
	RouteDel(r *netlink.Route) error
}

type netlinkOps struct{}

func (netlinkOps) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (netlinkOps) RouteGet(dst net.IP) ([]netlink.Route, error) { return netlink.RouteGet(dst) }
func (netlinkOps) RouteReplace(r *netlink.Route) error          { return netlink.RouteReplace(r) }
func (netlinkOps) RouteDel(r *netlink.Route) error              { return netlink.RouteDel(r) }

// Manager installs tunnel routes with rtnetlink and removes exactly the
// routes it installed.
type Manager struct {
	mu        sync.Mutex
	ops       routeOps
	installed []netlink.Route
}

// NewManager returns a Manager using the host's rtnetlink socket.
func NewManager() *Manager {
	return &Manager{ops: netlinkOps{}}
}

// Apply replaces any previously installed routes with r.
func (m *Manager) Apply(r tunnelstate.Routes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.clearLocked(); err != nil {
		log.WithError(err).Warn("stale routes could not be fully removed")
	}

	link, err := m.ops.LinkByName(r.Interface)
	if err != nil {
		return fmt.Errorf("%w: link %s: %w", apperrors.ErrRoutesApply, r.Interface, err)
	}
	index := link.Attrs().Index

	// The endpoint must keep reaching the physical network, otherwise the
	// default-covering halves would swallow the tunnel's own packets.
	if r.Endpoint.IsValid() {
		via, err := m.ops.RouteGet(net.IP(r.Endpoint.Unmap().AsSlice()))
		if err != nil {
			return fmt.Errorf("%w: lookup route to endpoint: %w", apperrors.ErrRoutesApply, err)
		}
		if len(via) > 0 && via[0].LinkIndex != index {
			host := netlink.Route{
				LinkIndex: via[0].LinkIndex,
				Dst:       ipNet(hostPrefix(r.Endpoint)),
				Gw:        via[0].Gw,
			}
			if err := m.install(host); err != nil {
				return err
			}
		}
	}

	for _, p := range r.Prefixes {
		route := netlink.Route{
			LinkIndex: index,
			Dst:       ipNet(p),
			Scope:     netlink.SCOPE_LINK,
		}
		if err := m.install(route); err != nil {
			if cerr := m.clearLocked(); cerr != nil {
				log.WithError(cerr).Warn("failed to roll back partially installed routes")
			}
			return err
		}
	}
	log.WithField("interface", r.Interface).WithField("routes", len(m.installed)).Info("installed tunnel routes")
	return nil
}

// Clear removes every route installed by Apply.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked()
}

func (m *Manager) install(route netlink.Route) error {
	if err := m.ops.RouteReplace(&route); err != nil {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrRoutesApply, route.Dst, err)
	}
	m.installed = append(m.installed, route)
	return nil
}

func (m *Manager) clearLocked() error {
	var errs []error
	for i := len(m.installed) - 1; i >= 0; i-- {
		route := m.installed[i]
		if err := m.ops.RouteDel(&route); err != nil && !errors.Is(err, errNoSuchRoute) {
			errs = append(errs, fmt.Errorf("delete route %s: %w", route.Dst, err))
		}
	}
	m.installed = nil
	return errors.Join(errs...)
}

var _ tunnelstate.RouteManager = (*Manager)(nil)
