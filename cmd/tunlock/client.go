package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-i2p/tunlock/lib/rpc"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// withClient dials the daemon, runs fn and closes the connection.
func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *rpc.Client) error) error {
	client, err := g.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, client)
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tunnel state and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				status, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, s *rpc.StatusResult) {
	fmt.Fprintf(w, "Tunnel:       %s\n", describeTransition(s.Tunnel))
	fmt.Fprintf(w, "Allow LAN:    %s\n", onOff(s.AllowLAN))
	fmt.Fprintf(w, "Lockdown:     %s\n", onOff(s.BlockWhenDisconnected))
	if s.Offline {
		fmt.Fprintln(w, "Network:      offline")
	}
	if s.PublicKey != "" {
		fmt.Fprintf(w, "Public Key:   %s\n", s.PublicKey)
	}
	fmt.Fprintf(w, "Uptime:       %s\n", s.Uptime)
	fmt.Fprintf(w, "Version:      %s\n", s.Version)
}

// describeTransition renders a transition as one line.
func describeTransition(t tunnelstate.TunnelStateTransition) string {
	var b strings.Builder
	b.WriteString(t.State.String())

	switch t.State {
	case tunnelstate.StateConnecting, tunnelstate.StateConnected:
		if t.Endpoint.IsValid() {
			fmt.Fprintf(&b, " to %s", t.Endpoint)
		}
		if t.Obfuscation != "" && t.Obfuscation != "none" {
			fmt.Fprintf(&b, " over %s", t.Obfuscation)
		}
		if t.Metadata != nil && t.Metadata.Interface != "" {
			fmt.Fprintf(&b, " (%s)", t.Metadata.Interface)
		}
		if t.RetryAttempt > 0 {
			fmt.Fprintf(&b, ", attempt %d", t.RetryAttempt+1)
		}
	case tunnelstate.StateDisconnecting:
		if t.After != tunnelstate.AfterNothing {
			fmt.Fprintf(&b, ", then %s", t.After)
		}
	case tunnelstate.StateError:
		fmt.Fprintf(&b, ": %s", t.Cause)
		if t.BlockFailure != "" {
			fmt.Fprintf(&b, " (NOT BLOCKING: %s)", t.BlockFailure)
		} else {
			b.WriteString(" (blocking)")
		}
	case tunnelstate.StateDisconnected:
		if t.Locked {
			b.WriteString(" (lockdown)")
		}
	}
	return b.String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newConnectCmd(g *globalFlags) *cobra.Command {
	var p rpc.ConnectParams
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the configured target or the one given by flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				res, err := c.Connect(ctx, &p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Endpoint, "endpoint", "", "Server endpoint host:port")
	f.StringVar(&p.PeerPublicKey, "peer", "", "Server public key (base64)")
	f.StringVar(&p.PresharedKey, "psk", "", "Preshared key (base64)")
	f.StringSliceVar(&p.Addresses, "address", nil, "Tunnel address in CIDR notation (repeatable)")
	f.StringSliceVar(&p.DNSServers, "dns", nil, "DNS server to use inside the tunnel (repeatable)")
	f.StringVar(&p.Obfuscation, "obfuscation", "", "Obfuscation transport: none or i2p")
	f.StringVar(&p.I2PDestination, "i2p-destination", "", "Server I2P destination for i2p obfuscation")
	f.IntVar(&p.MTU, "mtu", 0, "Tunnel MTU")
	f.StringVar(&p.Keepalive, "keepalive", "", "Persistent keepalive interval, e.g. 25s")
	return cmd
}

type commandFunc func(*rpc.Client, context.Context) (*rpc.CommandResult, error)

func newSimpleCommandCmd(g *globalFlags, use, short string, run commandFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				res, err := run(c, ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
}

type toggleFunc func(*rpc.Client, context.Context, bool) (*rpc.CommandResult, error)

func newToggleCmd(g *globalFlags, use, short string, set toggleFunc) *cobra.Command {
	return &cobra.Command{
		Use:       use + " on|off",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				res, err := set(c, ctx, enabled)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			})
		},
	}
}

// parseToggle accepts on/off as well as anything strconv.ParseBool does.
func parseToggle(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func newSplitCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Manage processes excluded from the tunnel",
	}

	set := &cobra.Command{
		Use:   "set PID...",
		Short: "Replace the excluded process set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids, err := parsePIDs(args)
			if err != nil {
				return err
			}
			return splitSet(cmd, g, pids)
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Route every process through the tunnel again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return splitSet(cmd, g, []int{})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List excluded processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				res, err := c.SplitList(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if res.Total == 0 {
					fmt.Fprintln(w, "No excluded processes")
					return nil
				}
				for _, pid := range res.PIDs {
					fmt.Fprintln(w, pid)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(set, clearCmd, list)
	return cmd
}

func splitSet(cmd *cobra.Command, g *globalFlags, pids []int) error {
	return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
		res, err := c.SplitSet(ctx, pids)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	})
}

func parsePIDs(args []string) ([]int, error) {
	pids := make([]int, 0, len(args))
	for _, a := range args {
		pid, err := strconv.Atoi(a)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var (
		follow bool
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print tunnel state transitions as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *rpc.Client) error {
				return watch(ctx, c, cmd.OutOrStdout(), follow, wait)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing until interrupted")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "Long-poll duration per request")
	return cmd
}

// watch prints the current state, then every following transition. Without
// follow it returns after the first change.
func watch(ctx context.Context, c *rpc.Client, w io.Writer, follow bool, wait time.Duration) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printTransition(w, status.Tunnel)

	seq := status.Tunnel.Seq
	for {
		res, err := c.Watch(ctx, seq, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if res.TimedOut {
			continue
		}
		printTransition(w, res.Transition)
		seq = res.Transition.Seq
		if !follow {
			return nil
		}
	}
}

func printTransition(w io.Writer, t tunnelstate.TunnelStateTransition) {
	fmt.Fprintf(w, "%s [%d] %s\n", time.Now().Format(time.TimeOnly), t.Seq, describeTransition(t))
}
