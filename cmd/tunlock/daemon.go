package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-i2p/tunlock/lib/embedded"
	"github.com/go-i2p/tunlock/version"
)

func newDaemonCmd(g *globalFlags) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the tunlock daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), g, connect)
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "Connect to the configured target on start")
	return cmd
}

func runDaemon(ctx context.Context, g *globalFlags, connect bool) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return err
	}
	if connect {
		cfg.Tunnel.AutoConnect = true
	}

	vpn, err := embedded.New(embedded.Config{
		Core:       cfg,
		ConfigPath: g.configPath,
		EnableRPC:  cfg.RPC.Enabled,
		RPCSocket:  cfg.RPC.Socket,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create VPN: %w", err)
	}
	defer vpn.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := vpn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	status := vpn.Status()
	logger.Info("tunlock started",
		"version", version.Version,
		"public_key", status.PublicKey,
		"socket", status.RPCSocket)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-vpn.Done():
		return fmt.Errorf("daemon stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := vpn.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("tunlock stopped")
	return nil
}
