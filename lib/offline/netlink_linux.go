//go:build linux

package offline

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/vishvananda/netlink"
)

// routeSource is the subset of netlink the monitor reads. Tests replace it.
type routeSource interface {
	RouteList() ([]netlink.Route, error)
	LinkByIndex(index int) (netlink.Link, error)
	Subscribe(done <-chan struct{}) (<-chan struct{}, error)
}

type netlinkSource struct{}

func (netlinkSource) RouteList() ([]netlink.Route, error) {
	return netlink.RouteList(nil, netlink.FAMILY_ALL)
}

func (netlinkSource) LinkByIndex(index int) (netlink.Link, error) {
	return netlink.LinkByIndex(index)
}

// Subscribe merges route and link updates into one change signal that is
// closed when either subscription fails.
func (netlinkSource) Subscribe(done <-chan struct{}) (<-chan struct{}, error) {
	routes := make(chan netlink.RouteUpdate, 16)
	links := make(chan netlink.LinkUpdate, 16)
	if err := netlink.RouteSubscribe(routes, done); err != nil {
		return nil, fmt.Errorf("subscribe to route updates: %w", err)
	}
	if err := netlink.LinkSubscribe(links, done); err != nil {
		return nil, fmt.Errorf("subscribe to link updates: %w", err)
	}

	changed := make(chan struct{}, 1)
	go func() {
		defer close(changed)
		for {
			select {
			case _, ok := <-routes:
				if !ok {
					return
				}
			case _, ok := <-links:
				if !ok {
					return
				}
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	}()
	return changed, nil
}

// NetlinkMonitor reports the host offline when no link other than the
// excluded ones carries a default route.
type NetlinkMonitor struct {
	mu      sync.Mutex
	src     routeSource
	exclude []string
	out     *reporter

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNetlinkMonitor creates a monitor that ignores default routes on the
// named interfaces, typically the tunnel itself.
func NewNetlinkMonitor(exclude []string, cb func(offline bool)) *NetlinkMonitor {
	return &NetlinkMonitor{src: netlinkSource{}, exclude: exclude, out: newReporter(cb)}
}

// Start performs an initial check and then follows kernel updates.
func (m *NetlinkMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	changed, err := m.src.Subscribe(ctx.Done())
	if err != nil {
		cancel()
		return err
	}
	m.running = true
	m.cancel = cancel
	m.check()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changed:
				if !ok {
					if ctx.Err() == nil {
						log.Warn("netlink subscription closed; offline detection stopped")
					}
					return
				}
				m.check()
			}
		}
	}()
	return nil
}

// Stop ends monitoring.
func (m *NetlinkMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

// Offline reports the last computed state.
func (m *NetlinkMonitor) Offline() bool {
	return m.out.current()
}

func (m *NetlinkMonitor) check() {
	online, err := m.hasDefaultRoute()
	if err != nil {
		// Unknown is treated as online so a netlink hiccup never blocks traffic.
		log.WithError(err).Warn("failed to list routes")
		return
	}
	m.out.report(!online)
}

func (m *NetlinkMonitor) hasDefaultRoute() (bool, error) {
	routes, err := m.src.RouteList()
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		link, err := m.src.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		attrs := link.Attrs()
		if slices.Contains(m.exclude, attrs.Name) {
			continue
		}
		if attrs.Flags&net.FlagUp == 0 || attrs.OperState == netlink.OperDown {
			continue
		}
		return true, nil
	}
	return false, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

var _ Monitor = (*NetlinkMonitor)(nil)
