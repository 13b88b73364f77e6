package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

const (
	defaultMTU = 1420
	// I2P datagrams carry extra framing; 1280 is the IPv6 minimum and fits.
	defaultI2PMTU    = 1280
	defaultKeepalive = 25 * time.Second
)

// deviceConfig configures one WireGuard device.
type deviceConfig struct {
	// Name is the kernel interface name. Ignored for netstack.
	Name     string
	Netstack bool
	Params   tunnelstate.TunnelParameters
	// Bind defaults to conn.NewDefaultBind() for plain UDP.
	Bind   conn.Bind
	Logger *slog.Logger
}

func normalizeDeviceConfig(cfg *deviceConfig) {
	if cfg.Params.MTU <= 0 {
		cfg.Params.MTU = defaultMTU
		if cfg.Params.Obfuscation == tunnelstate.ObfuscationI2P {
			cfg.Params.MTU = defaultI2PMTU
		}
	}
	if cfg.Params.Keepalive <= 0 {
		cfg.Params.Keepalive = defaultKeepalive
	}
	if cfg.Bind == nil {
		cfg.Bind = conn.NewDefaultBind()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Device is a running wireguard-go device with a single peer.
type Device struct {
	mu     sync.Mutex
	dev    *device.Device
	net    *netstack.Net
	name   string
	closed bool
}

// createTUN creates either a kernel TUN or a userspace netstack TUN.
func createTUN(cfg *deviceConfig) (tun.Device, *netstack.Net, error) {
	if !cfg.Netstack {
		dev, err := tun.CreateTUN(cfg.Name, cfg.Params.MTU)
		if err != nil {
			return nil, nil, fmt.Errorf("creating TUN %s: %w", cfg.Name, err)
		}
		return dev, nil, nil
	}
	addrs := make([]netip.Addr, 0, len(cfg.Params.Addresses))
	for _, p := range cfg.Params.Addresses {
		addrs = append(addrs, p.Addr())
	}
	dev, tnet, err := netstack.CreateNetTUN(addrs, cfg.Params.DNSServers, cfg.Params.MTU)
	if err != nil {
		return nil, nil, fmt.Errorf("creating netstack TUN: %w", err)
	}
	return dev, tnet, nil
}

func newDevice(cfg deviceConfig) (*Device, error) {
	normalizeDeviceConfig(&cfg)

	tunDev, tnet, err := createTUN(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTunnelStart, err)
	}
	name, err := tunDev.Name()
	if err != nil {
		tunDev.Close()
		return nil, fmt.Errorf("%w: reading TUN name: %w", apperrors.ErrTunnelStart, err)
	}

	dev := device.NewDevice(tunDev, cfg.Bind, wireguardLogger(cfg.Logger))
	if err := dev.IpcSet(ipcConfig(cfg.Params)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: configuring device: %w", apperrors.ErrTunnelParameter, err)
	}
	if !cfg.Netstack {
		if err := configureInterface(name, cfg.Params.Addresses, cfg.Params.MTU); err != nil {
			dev.Close()
			return nil, fmt.Errorf("%w: configuring %s: %w", apperrors.ErrTunnelStart, name, err)
		}
	}
	// Up opens the bind; for I2P this waits for the router to build tunnels.
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: bringing up device: %w", apperrors.ErrTunnelStart, err)
	}

	log.WithField("interface", name).WithField("mtu", cfg.Params.MTU).WithField("obfuscation", cfg.Params.Obfuscation.String()).Info("created WireGuard device")
	return &Device{dev: dev, net: tnet, name: name}, nil
}

// ipcConfig renders the UAPI configuration for params.
func ipcConfig(p tunnelstate.TunnelParameters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hexKey(p.PrivateKey))
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", hexKey(p.PeerPublicKey))
	if p.PresharedKey != (wgtypes.Key{}) {
		fmt.Fprintf(&b, "preshared_key=%s\n", hexKey(p.PresharedKey))
	}
	switch p.Obfuscation {
	case tunnelstate.ObfuscationI2P:
		fmt.Fprintf(&b, "endpoint=%s\n", p.I2PDestination)
	default:
		fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
	}
	if p.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(p.Keepalive/time.Second))
	}
	b.WriteString("replace_allowed_ips=true\n")
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	b.WriteString("allowed_ip=::/0\n")
	return b.String()
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// Net returns the userspace network stack, nil for kernel devices.
func (d *Device) Net() *netstack.Net {
	return d.net
}

// LastHandshake reports the peer's most recent handshake, zero if none yet.
func (d *Device) LastHandshake() (time.Time, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return time.Time{}, fmt.Errorf("device %s is closed", d.name)
	}
	dev := d.dev
	d.mu.Unlock()

	state, err := dev.IpcGet()
	if err != nil {
		return time.Time{}, err
	}
	return parseLastHandshake(state)
}

func parseLastHandshake(state string) (time.Time, error) {
	var sec, nsec int64
	scanner := bufio.NewScanner(strings.NewReader(state))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "last_handshake_time_sec":
			sec, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, err
	}
	if sec == 0 && nsec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(sec, nsec), nil
}

// Close shuts the device down. Closing the I2P bind can take a while.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.dev.Close()
	log.WithField("interface", d.name).Info("closed WireGuard device")
	return nil
}

// wireguardLogger routes wireguard-go's logging into slog.
func wireguardLogger(l *slog.Logger) *device.Logger {
	l = l.With("component", "wireguard")
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			if l.Enabled(context.Background(), slog.LevelDebug) {
				l.Debug(fmt.Sprintf(format, args...))
			}
		},
		Errorf: func(format string, args ...any) {
			l.Warn(fmt.Sprintf(format, args...))
		},
	}
}

// hexKey converts a WireGuard key to hex format for IPC.
func hexKey(key wgtypes.Key) string {
	return fmt.Sprintf("%x", key[:])
}
