package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/rpc"
)

// Environment overrides for the client subcommands.
const (
	envSocket = "TUNLOCK_RPC_SOCKET"
	envAuth   = "TUNLOCK_RPC_AUTH"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	socket     string
	tcpAddress string
	timeout    time.Duration
}

func defaultConfigPath() string {
	if os.Geteuid() == 0 {
		return filepath.Join("/etc/tunlock", core.DefaultConfigName)
	}
	return filepath.Join(core.DefaultConfig().Daemon.DataDir, core.DefaultConfigName)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "tunlock",
		Short: "Fail-closed WireGuard client daemon",
		Long: `tunlock keeps a WireGuard tunnel up and the firewall in step with it.

While connecting or after a failure, only traffic to the VPN endpoint is
allowed. With lockdown enabled, traffic stays blocked while disconnected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", defaultConfigPath(), "Configuration file path")
	flags.StringVar(&g.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.StringVarP(&g.logLevel, "log-level", "l", "", "Log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&g.socket, "socket", "", "Management socket path (default from config, $"+envSocket+")")
	flags.StringVar(&g.tcpAddress, "tcp", "", "Connect to a TCP management listener instead of the socket")
	flags.DurationVar(&g.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newDaemonCmd(g),
		newStatusCmd(g),
		newConnectCmd(g),
		newSimpleCommandCmd(g, "disconnect", "Tear the tunnel down", (*rpc.Client).Disconnect),
		newSimpleCommandCmd(g, "reconnect", "Restart the tunnel with the current target", (*rpc.Client).Reconnect),
		newToggleCmd(g, "lan", "Allow or block local network traffic", (*rpc.Client).SetAllowLAN),
		newToggleCmd(g, "lockdown", "Block all traffic while disconnected", (*rpc.Client).SetBlockWhenDisconnected),
		newSplitCmd(g),
		newWatchCmd(g),
		newKeyCmd(g),
		newVersionCmd(g),
	)
	return root
}

// loadConfig reads the config file and applies the command-line overrides.
func (g *globalFlags) loadConfig() (*core.Config, error) {
	cfg, err := core.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.Daemon.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Daemon.LogLevel = g.logLevel
	}
	return cfg, nil
}

func (g *globalFlags) logger(cfg *core.Config) (*slog.Logger, error) {
	level, err := core.ParseLogLevel(cfg.Daemon.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// clientConfig works out where the daemon listens. Flags win over the
// environment, which wins over the config file.
func (g *globalFlags) clientConfig() (rpc.ClientConfig, error) {
	cc := rpc.ClientConfig{Timeout: g.timeout}

	socket := g.socket
	if socket == "" {
		socket = os.Getenv(envSocket)
	}
	authFile := os.Getenv(envAuth)

	if socket == "" || (g.tcpAddress != "" && authFile == "") {
		cfg, err := g.loadConfig()
		if err != nil {
			return cc, err
		}
		if socket == "" {
			socket = cfg.DataPath(cfg.RPC.Socket)
		}
		if authFile == "" {
			authFile = cfg.DataPath(core.DefaultRPCAuthName)
		}
	}

	if g.tcpAddress != "" {
		cc.TCPAddress = g.tcpAddress
		cc.AuthFile = authFile
		return cc, nil
	}
	cc.UnixSocketPath = socket
	return cc, nil
}

func (g *globalFlags) dial() (*rpc.Client, error) {
	cc, err := g.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := rpc.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("%w (is the tunlock daemon running?)", err)
	}
	return client, nil
}
