package tunnel

import (
	"fmt"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

const blackholeMTU = 1280

// createKernelTUN is replaced in tests.
var createKernelTUN = tun.CreateTUN

// Blackhole is a TUN device that swallows every packet. With default-covering
// routes pointed at it, nothing leaves the host even without a packet filter.
type Blackhole struct {
	mu     sync.Mutex
	name   string
	routes tunnelstate.RouteManager
	dev    tun.Device
	done   chan struct{}
}

// NewBlackhole creates an inactive blackhole that installs its routes through
// routes.
func NewBlackhole(name string, routes tunnelstate.RouteManager) *Blackhole {
	if name == "" {
		name = "tlblock"
	}
	return &Blackhole{name: name, routes: routes}
}

// Engage creates the device and routes all traffic into it. Engaging twice
// is a no-op.
func (b *Blackhole) Engage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev != nil {
		return nil
	}

	dev, err := createKernelTUN(b.name, blackholeMTU)
	if err != nil {
		return fmt.Errorf("create blackhole device: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return fmt.Errorf("blackhole device name: %w", err)
	}
	if err := configureInterface(name, nil, blackholeMTU); err != nil {
		dev.Close()
		return fmt.Errorf("bring up blackhole device: %w", err)
	}
	err = b.routes.Apply(tunnelstate.Routes{
		Interface: name,
		Prefixes: []netip.Prefix{
			netip.MustParsePrefix("0.0.0.0/1"),
			netip.MustParsePrefix("128.0.0.0/1"),
			netip.MustParsePrefix("::/1"),
			netip.MustParsePrefix("8000::/1"),
		},
	})
	if err != nil {
		dev.Close()
		return fmt.Errorf("route into blackhole: %w", err)
	}

	b.dev = dev
	b.done = make(chan struct{})
	go discard(dev, b.done)
	log.WithField("interface", name).Warn("no packet filter available; routing all traffic into blackhole")
	return nil
}

// Release removes the routes and the device.
func (b *Blackhole) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return nil
	}

	routesErr := b.routes.Clear()
	closeErr := b.dev.Close()
	<-b.done
	b.dev = nil
	log.Info("released blackhole")

	if routesErr != nil {
		return fmt.Errorf("clear blackhole routes: %w", routesErr)
	}
	return closeErr
}

// Engaged reports whether the blackhole is active.
func (b *Blackhole) Engaged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev != nil
}

// discard reads and drops packets until the device is closed.
func discard(dev tun.Device, done chan<- struct{}) {
	defer close(done)
	go func() {
		for range dev.Events() {
		}
	}()

	const offset = 16
	batch := max(dev.BatchSize(), 1)
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, offset+blackholeMTU+128)
	}
	sizes := make([]int, batch)
	for {
		if _, err := dev.Read(bufs, sizes, offset); err != nil {
			return
		}
	}
}

var _ tunnelstate.Blackhole = (*Blackhole)(nil)
