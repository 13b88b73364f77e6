package embedded

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-i2p/tunlock/lib/core"
)

// Config configures an embedded VPN instance.
// Fields with zero values use sensible defaults.
type Config struct {
	// DataDir is where the WireGuard key and the RPC socket live.
	// It overrides Core.Daemon.DataDir when set.
	// Default: OS-specific temp directory
	DataDir string

	// Core is the full daemon configuration. When nil, core.DefaultConfig
	// is used with the tunnel fields below.
	Core *core.Config

	// ConfigPath enables settings hot reload from, and persistence to,
	// the given TOML file.
	ConfigPath string

	// Endpoint, PeerPublicKey and Addresses describe the default tunnel
	// target. They are ignored when Core is set.
	Endpoint      string
	PeerPublicKey string
	Addresses     []string
	DNSServers    []string

	// Logger for VPN operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// EnableRPC starts the management API on the Unix socket.
	// Default: false (embedded apps typically control directly)
	EnableRPC bool

	// RPCSocket is the Unix socket path, relative to DataDir.
	// Default: "rpc.sock"
	RPCSocket string

	// EventBufferSize is the size of the event channel buffer.
	// Default: 100
	EventBufferSize int

	// DaemonOptions are passed through to core.NewDaemon.
	DaemonOptions []core.DaemonOption
}

// Option is a functional option for configuring a VPN.
type Option func(*Config)

// WithDataDir sets the data directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithCoreConfig uses a complete daemon configuration.
func WithCoreConfig(cfg *core.Config) Option {
	return func(c *Config) {
		c.Core = cfg
	}
}

// WithConfigPath enables settings hot reload and persistence.
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.ConfigPath = path
	}
}

// WithTunnel sets the default tunnel target.
func WithTunnel(endpoint, peerPublicKey string, addresses ...string) Option {
	return func(c *Config) {
		c.Endpoint = endpoint
		c.PeerPublicKey = peerPublicKey
		c.Addresses = addresses
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRPC enables the management API.
func WithRPC(enabled bool) Option {
	return func(c *Config) {
		c.EnableRPC = enabled
	}
}

// WithEventBufferSize sets the event channel buffer size.
func WithEventBufferSize(size int) Option {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithDaemonOptions passes options through to the daemon, for example
// core.WithCollaborators in tests.
func WithDaemonOptions(opts ...core.DaemonOption) Option {
	return func(c *Config) {
		c.DaemonOptions = append(c.DaemonOptions, opts...)
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:         filepath.Join(os.TempDir(), "tunlock-embedded"),
		EnableRPC:       false,
		RPCSocket:       core.DefaultRPCSocket,
		EventBufferSize: 100,
	}
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.DataDir == "" && c.Core == nil {
		c.DataDir = defaults.DataDir
	}
	if c.RPCSocket == "" {
		c.RPCSocket = defaults.RPCSocket
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defaults.EventBufferSize
	}
}

// Validate checks the configuration for errors. The daemon configuration
// itself is validated when the VPN starts.
func (c *Config) Validate() error {
	if c.DataDir == "" && (c.Core == nil || c.Core.Daemon.DataDir == "") {
		return errors.New("data directory is required")
	}
	if c.EventBufferSize < 1 {
		return errors.New("event buffer size must be at least 1")
	}
	if c.PeerPublicKey != "" && c.Endpoint == "" && c.Core == nil {
		return errors.New("endpoint is required with a peer public key")
	}
	return nil
}

// toCoreConfig converts embedded.Config to core.Config. A caller-supplied
// Core is copied, never modified.
func (c *Config) toCoreConfig() *core.Config {
	var cfg core.Config
	if c.Core != nil {
		cfg = *c.Core
	} else {
		cfg = *core.DefaultConfig()
		cfg.Tunnel.Endpoint = c.Endpoint
		cfg.Tunnel.PeerPublicKey = c.PeerPublicKey
		cfg.Tunnel.Addresses = c.Addresses
		cfg.Tunnel.DNSServers = c.DNSServers
	}
	if c.DataDir != "" {
		cfg.Daemon.DataDir = c.DataDir
	}
	cfg.RPC.Enabled = c.EnableRPC
	if c.RPCSocket != "" {
		cfg.RPC.Socket = c.RPCSocket
	}
	return &cfg
}
