package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/identity"
	"github.com/go-i2p/tunlock/lib/rpc"
	"github.com/go-i2p/tunlock/version"
)

func newKeyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the local WireGuard key",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the public key, creating the key if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := keyPath(g)
			if err != nil {
				return err
			}
			id, _, err := identity.LoadOrCreate(path)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Public Key:   %s\n", id.PublicKey())
			fmt.Fprintf(w, "Fingerprint:  %s\n", id.Fingerprint())
			fmt.Fprintf(w, "Created:      %s\n", id.CreatedAt().Format(time.RFC3339))
			if !id.RotatedAt().IsZero() {
				fmt.Fprintf(w, "Rotated:      %s\n", id.RotatedAt().Format(time.RFC3339))
			}
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the key; the daemon must be restarted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := keyPath(g)
			if err != nil {
				return err
			}
			id, err := identity.Load(path)
			if err != nil {
				return err
			}
			if id == nil {
				return fmt.Errorf("no key at %s", path)
			}
			pub, err := id.Rotate()
			if err != nil {
				return err
			}
			if err := id.Save(path); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "New Public Key: %s\n", pub)
			fmt.Fprintln(w, "Register it with the server and restart the daemon.")
			return nil
		},
	}

	cmd.AddCommand(show, rotate)
	return cmd
}

func keyPath(g *globalFlags) (string, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.DataPath(core.DefaultKeyName), nil
}

func newVersionCmd(g *globalFlags) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "tunlock %s\n", version.Full())
			if !daemon {
				return nil
			}
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				v, err := c.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "daemon  %s (protocol %s)\n", v.Full, v.ProtocolVersion)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Also ask the running daemon")
	return cmd
}
