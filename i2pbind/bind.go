// Package i2pbind carries WireGuard datagrams over I2P. It is the transport
// behind the "i2p" tunnel obfuscation: the WireGuard peer is addressed by its
// I2P destination and every datagram travels through a SAM datagram session.
//
// The bind needs an I2P router with SAM enabled, 127.0.0.1:7656 by default.
package i2pbind

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"
	"golang.zx2c4.com/wireguard/conn"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

const (
	// MaxDatagramSize is the largest datagram a SAM session accepts.
	MaxDatagramSize = 31 * 1024

	// DefaultSAMAddress is where I2P routers usually listen for SAM.
	DefaultSAMAddress = "127.0.0.1:7656"

	// DefaultTunnelName names the local I2P destination.
	DefaultTunnelName = "tunlock"
)

var (
	_ conn.Bind     = (*Bind)(nil)
	_ conn.Endpoint = (*Endpoint)(nil)
)

// Config configures the SAM session.
type Config struct {
	// TunnelName selects the persistent local destination.
	TunnelName string
	// SAMAddress is the router's SAM bridge.
	SAMAddress string
	// Options are SAM tunnel options such as inbound.length=2. Empty uses
	// onramp.OPT_DEFAULTS.
	Options []string
}

// Endpoint is a remote I2P destination.
type Endpoint struct {
	dest i2pkeys.I2PAddr
}

// NewEndpoint wraps dest.
func NewEndpoint(dest i2pkeys.I2PAddr) *Endpoint {
	return &Endpoint{dest: dest}
}

// ClearSrc is a no-op; I2P has no sticky source address.
func (e *Endpoint) ClearSrc() {}

// SrcToString always returns "".
func (e *Endpoint) SrcToString() string { return "" }

// DstToString returns the base32 form of the destination.
func (e *Endpoint) DstToString() string { return e.dest.Base32() }

// DstToBytes returns the 32-byte destination hash used for cookie MACs.
func (e *Endpoint) DstToBytes() []byte {
	hash := e.dest.DestHash()
	return hash[:]
}

// DstIP is always invalid: I2P destinations have no IP address.
func (e *Endpoint) DstIP() netip.Addr { return netip.Addr{} }

// SrcIP is always invalid.
func (e *Endpoint) SrcIP() netip.Addr { return netip.Addr{} }

// Destination returns the remote destination.
func (e *Endpoint) Destination() i2pkeys.I2PAddr { return e.dest }

// listen opens the SAM datagram session. Tests replace it.
var listen = func(cfg Config) (net.PacketConn, io.Closer, error) {
	garlic, err := onramp.NewGarlic(cfg.TunnelName, cfg.SAMAddress, cfg.Options)
	if err != nil {
		return nil, nil, err
	}
	pc, err := garlic.ListenPacket()
	if err != nil {
		garlic.Close()
		return nil, nil, err
	}
	return pc, garlic, nil
}

// Bind implements conn.Bind over an I2P datagram session.
type Bind struct {
	mu      sync.Mutex
	cfg     Config
	pc      net.PacketConn
	session io.Closer
}

// New returns an unopened bind. WireGuard opens it when the device comes up.
func New(cfg Config) *Bind {
	if cfg.TunnelName == "" {
		cfg.TunnelName = DefaultTunnelName
	}
	if cfg.SAMAddress == "" {
		cfg.SAMAddress = DefaultSAMAddress
	}
	if len(cfg.Options) == 0 {
		cfg.Options = onramp.OPT_DEFAULTS
	}
	return &Bind{cfg: cfg}
}

// Open builds the I2P tunnels. This blocks until the router has them ready,
// which can take tens of seconds. The port is meaningless and reported as 0.
func (b *Bind) Open(uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pc != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}
	log.WithField("sam", b.cfg.SAMAddress).WithField("tunnel", b.cfg.TunnelName).Debug("opening I2P datagram session")
	pc, session, err := listen(b.cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("open I2P session via %s: %w", b.cfg.SAMAddress, err)
	}
	b.pc, b.session = pc, session
	log.WithField("tunnel", b.cfg.TunnelName).Info("I2P datagram session ready")
	return []conn.ReceiveFunc{b.receive}, 0, nil
}

func (b *Bind) conn() net.PacketConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pc
}

// receive reads one datagram per call; SAM has no batching.
func (b *Bind) receive(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
	pc := b.conn()
	if pc == nil {
		return 0, net.ErrClosed
	}
	if len(packets) == 0 || len(sizes) == 0 || len(eps) == 0 {
		return 0, nil
	}

	n, addr, err := pc.ReadFrom(packets[0])
	if err != nil {
		return 0, err
	}
	src, ok := addr.(i2pkeys.I2PAddr)
	if !ok {
		src, err = i2pkeys.NewI2PAddrFromString(addr.String())
		if err != nil {
			return 0, fmt.Errorf("%w: %w", apperrors.ErrI2PParseAddress, err)
		}
	}
	sizes[0] = n
	eps[0] = &Endpoint{dest: src}
	return 1, nil
}

// Close tears down the session. Closing an unopened bind is a no-op.
func (b *Bind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.pc != nil {
		errs = append(errs, b.pc.Close())
		b.pc = nil
	}
	if b.session != nil {
		errs = append(errs, b.session.Close())
		b.session = nil
	}
	return errors.Join(errs...)
}

// SetMark is unsupported and ignored; SAM traffic goes to the local router.
func (b *Bind) SetMark(uint32) error { return nil }

// Send writes each buffer as its own datagram.
func (b *Bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	pc := b.conn()
	if pc == nil {
		return apperrors.ErrI2PBindNotOpen
	}
	dst, ok := ep.(*Endpoint)
	if !ok {
		return conn.ErrWrongEndpointType
	}
	for _, buf := range bufs {
		if len(buf) > MaxDatagramSize {
			return fmt.Errorf("%w: %d bytes", apperrors.ErrI2PDatagramTooLarge, len(buf))
		}
		if _, err := pc.WriteTo(buf, dst.dest); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint accepts base32 (xxx.b32.i2p) and base64 destinations.
func (b *Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	addr, err := i2pkeys.NewI2PAddrFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrI2PParseAddress, err)
	}
	return &Endpoint{dest: addr}, nil
}

// BatchSize is 1.
func (b *Bind) BatchSize() int { return 1 }

// LocalDestination returns our destination once the session is open.
func (b *Bind) LocalDestination() (i2pkeys.I2PAddr, error) {
	pc := b.conn()
	if pc == nil {
		return "", apperrors.ErrI2PBindNotOpen
	}
	if addr, ok := pc.LocalAddr().(i2pkeys.I2PAddr); ok {
		return addr, nil
	}
	return i2pkeys.NewI2PAddrFromString(pc.LocalAddr().String())
}
