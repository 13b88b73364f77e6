// Package core wires the tunnel state machine to its collaborators and runs
// the tunlock daemon: configuration, endpoint resolution, settings reload and
// the management API providers.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/resilience"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
)

// Default configuration values
const (
	DefaultConfigName       = "tunlock.toml"
	DefaultKeyName          = "wireguard-key.json"
	DefaultRPCSocket        = "rpc.sock"
	DefaultRPCAuthName      = "rpc_auth.token"
	DefaultMetricsListen    = "127.0.0.1:9464"
	DefaultInterface        = "tl0"
	DefaultSAMAddress       = "127.0.0.1:7656"
	DefaultI2PTunnelName    = "tunlock"
	DefaultCloseTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultStaleAfter       = 3 * time.Minute
	DefaultResolveTimeout   = 5 * time.Second
	DefaultRPCRate          = 10.0
	DefaultRPCBurst         = 20
)

// Offline detection modes.
const (
	OfflineNetlink = "netlink"
	OfflineProbe   = "probe"
	OfflineNone    = "none"
)

// Duration is a time.Duration written as text ("5s") in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the tunlock daemon.
type Config struct {
	Daemon      DaemonConfig      `toml:"daemon"`
	Tunnel      TunnelConfig      `toml:"tunnel"`
	Settings    SettingsConfig    `toml:"settings"`
	Retry       RetryConfig       `toml:"retry"`
	Firewall    FirewallConfig    `toml:"firewall"`
	DNS         DNSConfig         `toml:"dns"`
	Offline     OfflineConfig     `toml:"offline"`
	SplitTunnel SplitTunnelConfig `toml:"split_tunnel"`
	I2P         I2PConfig         `toml:"i2p"`
	RPC         RPCConfig         `toml:"rpc"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// DaemonConfig contains process-wide settings.
type DaemonConfig struct {
	// DataDir holds the key file, RPC socket and auth token.
	DataDir string `toml:"data_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// TunnelConfig describes the connection target and the local device.
type TunnelConfig struct {
	// Endpoint is host:port. Host names are resolved before every connect.
	Endpoint       string   `toml:"endpoint"`
	PeerPublicKey  string   `toml:"peer_public_key"`
	PresharedKey   string   `toml:"preshared_key,omitempty"`
	Addresses      []string `toml:"addresses"`
	DNSServers     []string `toml:"dns_servers"`
	Obfuscation    string   `toml:"obfuscation"`
	I2PDestination string   `toml:"i2p_destination,omitempty"`
	MTU            int      `toml:"mtu,omitempty"`
	Keepalive      Duration `toml:"keepalive,omitempty"`

	// AutoConnect issues a Connect as soon as the daemon starts.
	AutoConnect      bool     `toml:"auto_connect"`
	Interface        string   `toml:"interface"`
	Netstack         bool     `toml:"netstack"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	StaleAfter       Duration `toml:"stale_after"`
}

// Configured reports whether a connection target is present.
func (t TunnelConfig) Configured() bool {
	return t.PeerPublicKey != "" && (t.Endpoint != "" || t.I2PDestination != "")
}

// SettingsConfig holds the user settings that survive restarts. These two
// values are hot-reloaded.
type SettingsConfig struct {
	AllowLAN              bool `toml:"allow_lan"`
	BlockWhenDisconnected bool `toml:"block_when_disconnected"`
}

// RetryConfig controls reconnect backoff and tunnel close timing.
type RetryConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Multiplier   float64  `toml:"multiplier"`
	Jitter       float64  `toml:"jitter"`
	// MaxRetries of zero retries forever.
	MaxRetries   uint32   `toml:"max_retries"`
	CloseTimeout Duration `toml:"close_timeout"`
}

// FirewallConfig selects the packet filter.
type FirewallConfig struct {
	// Enabled false runs without a packet filter. The Error state then falls
	// back to the blackhole device.
	Enabled   bool     `toml:"enabled"`
	Table     string   `toml:"table"`
	NFTPath   string   `toml:"nft_path,omitempty"`
	Timeout   Duration `toml:"timeout"`
	Blackhole string   `toml:"blackhole_interface"`
}

// DNSConfig controls resolver management and endpoint lookups.
type DNSConfig struct {
	// Manage points systemd-resolved at the tunnel while connected.
	Manage         bool   `toml:"manage"`
	ResolvectlPath string `toml:"resolvectl_path,omitempty"`
	// Upstream servers used to resolve endpoint host names. Empty reads
	// /etc/resolv.conf.
	Upstream []string `toml:"upstream"`
	Timeout  Duration `toml:"timeout"`
}

// OfflineConfig selects how connectivity loss is detected.
type OfflineConfig struct {
	Mode          string   `toml:"mode"`
	CheckInterval Duration `toml:"check_interval"`
	ProbeTargets  []string `toml:"probe_targets,omitempty"`
}

// SplitTunnelConfig configures the excluded-process cgroup.
type SplitTunnelConfig struct {
	Enabled    bool   `toml:"enabled"`
	CgroupRoot string `toml:"cgroup_root,omitempty"`
	Name       string `toml:"name,omitempty"`
	ClassID    uint32 `toml:"class_id,omitempty"`
}

// I2PConfig contains I2P obfuscation settings.
type I2PConfig struct {
	SAMAddress string   `toml:"sam_address"`
	TunnelName string   `toml:"tunnel_name"`
	Options    []string `toml:"options,omitempty"`
}

// RPCConfig contains management API settings.
type RPCConfig struct {
	Enabled bool `toml:"enabled"`
	// Socket is the Unix socket path, relative to DataDir.
	Socket string `toml:"socket"`
	// TCPAddress is an optional TCP listener. TCP clients must authenticate.
	TCPAddress string `toml:"tcp_address,omitempty"`
	// Rate and Burst limit requests per connection.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := "/var/lib/tunlock"
	if os.Geteuid() != 0 {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".tunlock")
		}
	}
	b := resilience.DefaultBackoff()

	return &Config{
		Daemon: DaemonConfig{
			DataDir:  dataDir,
			LogLevel: "info",
		},
		Tunnel: TunnelConfig{
			Obfuscation:      "none",
			Interface:        DefaultInterface,
			HandshakeTimeout: Duration(DefaultHandshakeTimeout),
			StaleAfter:       Duration(DefaultStaleAfter),
		},
		Retry: RetryConfig{
			InitialDelay: Duration(b.InitialDelay),
			MaxDelay:     Duration(b.MaxDelay),
			Multiplier:   b.Multiplier,
			Jitter:       b.JitterFraction,
			CloseTimeout: Duration(DefaultCloseTimeout),
		},
		Firewall: FirewallConfig{
			Enabled:   true,
			Table:     "tunlock",
			Timeout:   Duration(5 * time.Second),
			Blackhole: "tlblock",
		},
		DNS: DNSConfig{
			Manage:  true,
			Timeout: Duration(DefaultResolveTimeout),
		},
		Offline: OfflineConfig{
			Mode:          OfflineNetlink,
			CheckInterval: Duration(5 * time.Second),
		},
		I2P: I2PConfig{
			SAMAddress: DefaultSAMAddress,
			TunnelName: DefaultI2PTunnelName,
		},
		RPC: RPCConfig{
			Enabled: true,
			Socket:  DefaultRPCSocket,
			Rate:    DefaultRPCRate,
			Burst:   DefaultRPCBurst,
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file atomically.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.Required("daemon.data_dir", c.Daemon.DataDir))
	if _, err := ParseLogLevel(c.Daemon.LogLevel); err != nil {
		errs.Add(validation.NewResult("daemon.log_level", err.Error(), validation.ErrInvalidFormat))
	}

	if c.Tunnel.Configured() {
		if _, err := validation.TunnelTarget(c.targetWithPlaceholder()); err != nil {
			errs.Add(prefixed("tunnel", err))
		}
	}
	if c.Tunnel.Interface == "" {
		errs.Add(validation.NewResult("tunnel.interface", "is required", validation.ErrRequired))
	}
	errs.Add(validation.MaxLength("tunnel.interface", c.Tunnel.Interface, 15))

	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs.Add(validation.NewResult("retry.multiplier", "must be at least 1", validation.ErrOutOfRange))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs.Add(validation.NewResult("retry.jitter", "must be between 0 and 1", validation.ErrOutOfRange))
	}

	switch c.Offline.Mode {
	case OfflineNetlink, OfflineProbe, OfflineNone:
	default:
		errs.Add(validation.NewResult("offline.mode", "must be netlink, probe or none", validation.ErrInvalidFormat))
	}

	if c.Tunnel.Obfuscation == "i2p" {
		errs.Add(validation.HostPort("i2p.sam_address", c.I2P.SAMAddress))
	}
	if c.RPC.Enabled {
		errs.Add(validation.Required("rpc.socket", c.RPC.Socket))
		if c.RPC.TCPAddress != "" {
			errs.Add(validation.HostPort("rpc.tcp_address", c.RPC.TCPAddress))
		}
		if c.RPC.Rate <= 0 || c.RPC.Burst < 1 {
			errs.Add(validation.NewResult("rpc.rate", "rate and burst must be positive", validation.ErrOutOfRange))
		}
	}
	if c.Metrics.Enabled {
		errs.Add(validation.HostPort("metrics.listen", c.Metrics.Listen))
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w: %s", apperrors.ErrConfiguration, errs.Error())
	}
	return nil
}

// targetWithPlaceholder lets Validate check a target whose endpoint is a
// host name without resolving it.
func (c *Config) targetWithPlaceholder() validation.Target {
	t := c.Target()
	if host, port, ok := splitHostPort(t.Endpoint); ok && !isIPLiteral(host) {
		t.Endpoint = "192.0.2.1:" + port
	}
	return t
}

// Target returns the configured connection target in textual form.
func (c *Config) Target() validation.Target {
	t := c.Tunnel
	target := validation.Target{
		Endpoint:       t.Endpoint,
		PeerPublicKey:  t.PeerPublicKey,
		PresharedKey:   t.PresharedKey,
		Addresses:      t.Addresses,
		DNSServers:     t.DNSServers,
		Obfuscation:    t.Obfuscation,
		I2PDestination: t.I2PDestination,
		MTU:            t.MTU,
	}
	if t.Keepalive != 0 {
		target.Keepalive = t.Keepalive.Std().String()
	}
	return target
}

// Backoff returns the retry policy for the state machine.
func (c *Config) Backoff() resilience.Backoff {
	return resilience.Backoff{
		InitialDelay:   c.Retry.InitialDelay.Std(),
		MaxDelay:       c.Retry.MaxDelay.Std(),
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.Jitter,
		MaxRetries:     c.Retry.MaxRetries,
	}
}

// MachineConfig returns the state machine configuration.
func (c *Config) MachineConfig(logger *slog.Logger) tunnelstate.Config {
	mc := tunnelstate.DefaultConfig()
	mc.Retry = c.Backoff()
	mc.CloseTimeout = c.Retry.CloseTimeout.Std()
	mc.AllowLAN = c.Settings.AllowLAN
	mc.BlockWhenDisconnected = c.Settings.BlockWhenDisconnected
	mc.Logger = logger
	return mc
}

// DataPath returns a path within the data directory. Absolute elements are
// returned unchanged.
func (c *Config) DataPath(elem ...string) string {
	if len(elem) == 1 && filepath.IsAbs(elem[0]) {
		return elem[0]
	}
	return filepath.Join(append([]string{c.Daemon.DataDir}, elem...)...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Daemon.DataDir, 0o700)
}

// ParseLogLevel maps a config level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func prefixed(section string, err error) error {
	var res *validation.Result
	if errors.As(err, &res) {
		return validation.NewResult(section+"."+res.Field, res.Message, res.Err)
	}
	return err
}
