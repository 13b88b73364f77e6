package main

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/embedded"
	"github.com/go-i2p/tunlock/lib/identity"
	"github.com/go-i2p/tunlock/lib/testutil"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

const testPeerKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type testDaemon struct {
	vpn     *embedded.VPN
	tunnels *testutil.FakeTunnelMonitor
	split   *testutil.FakeSplitTunnel
	socket  string
	config  string
}

// startTestDaemon runs an embedded daemon against fake collaborators with
// its management socket enabled.
func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	d := &testDaemon{
		tunnels: testutil.NewFakeTunnelMonitor(),
		split:   &testutil.FakeSplitTunnel{},
	}
	cfg := core.DefaultConfig()
	cfg.Daemon.DataDir = t.TempDir()
	cfg.Offline.Mode = core.OfflineNone
	cfg.Retry.CloseTimeout = core.Duration(time.Second)
	cfg.Tunnel.Endpoint = "198.51.100.7:51820"
	cfg.Tunnel.PeerPublicKey = testPeerKey
	cfg.Tunnel.Addresses = []string{"10.64.0.2/32"}

	d.config = filepath.Join(cfg.Daemon.DataDir, core.DefaultConfigName)
	require.NoError(t, core.SaveConfig(cfg, d.config))

	vpn, err := embedded.New(embedded.Config{
		Core:      cfg,
		EnableRPC: true,
		Logger:    testutil.QuietLogger(),
		DaemonOptions: []core.DaemonOption{core.WithCollaborators(tunnelstate.Collaborators{
			Firewall:    &testutil.FakeFirewall{},
			Tunnels:     d.tunnels,
			DNS:         &testutil.FakeDNS{},
			Routes:      &testutil.FakeRoutes{},
			SplitTunnel: d.split,
			Blackhole:   &testutil.FakeBlackhole{},
		})},
	})
	require.NoError(t, err)
	t.Cleanup(func() { vpn.Close() })
	require.NoError(t, vpn.Start(context.Background()))

	d.vpn = vpn
	d.socket = vpn.Status().RPCSocket
	require.NotEmpty(t, d.socket)
	return d
}

func (d *testDaemon) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--socket", d.socket, "--config", d.config}, args...)...)
}

func (d *testDaemon) wait(t *testing.T, kinds ...tunnelstate.StateKind) tunnelstate.TunnelStateTransition {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	defer cancel()
	tr, err := d.vpn.WaitForState(ctx, kinds...)
	require.NoError(t, err)
	return tr
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tunlock ")
}

func TestStatusCommand(t *testing.T) {
	d := startTestDaemon(t)
	d.wait(t, tunnelstate.StateDisconnected)

	out, err := d.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Tunnel:       disconnected")
	assert.Contains(t, out, "Allow LAN:    off")
	assert.Contains(t, out, "Public Key:   "+d.vpn.PublicKey())
}

func TestConnectDisconnectCommands(t *testing.T) {
	d := startTestDaemon(t)

	_, err := d.run(t, "connect")
	require.NoError(t, err)

	select {
	case tun := <-d.tunnels.Started():
		tun.Up(tunnelstate.TunnelMetadata{Interface: "tl0"})
	case <-time.After(testutil.DefaultWait):
		t.Fatal("tunnel was not started")
	}
	d.wait(t, tunnelstate.StateConnected)

	out, err := d.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "connected to 198.51.100.7:51820 (tl0)")

	_, err = d.run(t, "disconnect")
	require.NoError(t, err)
	d.wait(t, tunnelstate.StateDisconnected)
}

func TestConnectWithFlagsRejectsBadKey(t *testing.T) {
	d := startTestDaemon(t)

	_, err := d.run(t, "connect", "--endpoint", "203.0.113.1:51820", "--peer", "not-a-key", "--address", "10.0.0.2/32")
	require.Error(t, err)
	assert.Equal(t, tunnelstate.StateDisconnected, d.vpn.TunnelState().State)
}

func TestToggleCommands(t *testing.T) {
	d := startTestDaemon(t)

	_, err := d.run(t, "lan", "on")
	require.NoError(t, err)
	_, err = d.run(t, "lockdown", "yes")
	require.NoError(t, err)

	status := d.vpn.Status()
	assert.True(t, status.AllowLAN)
	assert.True(t, status.BlockWhenDisconnected)

	_, err = d.run(t, "lan", "maybe")
	require.Error(t, err)
}

func TestSplitCommands(t *testing.T) {
	d := startTestDaemon(t)

	_, err := d.run(t, "split", "set", "300", "100")
	require.NoError(t, err)

	out, err := d.run(t, "split", "list")
	require.NoError(t, err)
	assert.Equal(t, "100\n300\n", out)

	_, err = d.run(t, "split", "clear")
	require.NoError(t, err)
	out, err = d.run(t, "split", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No excluded processes")

	_, err = d.run(t, "split", "set", "abc")
	require.Error(t, err)
}

func TestWatchCommand(t *testing.T) {
	d := startTestDaemon(t)
	d.wait(t, tunnelstate.StateDisconnected)

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		defer close(done)
		out, err = d.run(t, "watch", "--wait", "2s")
	}()

	// Give watch time to read the current state.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, d.vpn.Connect(context.Background(), nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "disconnected")
	assert.Contains(t, lines[1], "connecting to 198.51.100.7:51820")
}

func TestClientWithoutDaemon(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "--socket", filepath.Join(dir, "missing.sock"), "--config", filepath.Join(dir, "none.toml"), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon running")
}

func TestKeyCommands(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "none.toml")

	out, err := runCLI(t, "--config", config, "--data-dir", dir, "key", "show")
	require.NoError(t, err)
	id, err := identity.Load(filepath.Join(dir, core.DefaultKeyName))
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Contains(t, out, id.PublicKey().String())

	out, err = runCLI(t, "--config", config, "--data-dir", dir, "key", "rotate")
	require.NoError(t, err)
	rotated, err := identity.Load(filepath.Join(dir, core.DefaultKeyName))
	require.NoError(t, err)
	assert.NotEqual(t, id.PublicKey(), rotated.PublicKey())
	assert.Contains(t, out, rotated.PublicKey().String())
}

func TestClientConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	g := &globalFlags{configPath: filepath.Join(dir, "none.toml"), dataDir: dir, timeout: time.Second}

	cc, err := g.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, core.DefaultRPCSocket), cc.UnixSocketPath)

	t.Setenv(envSocket, "/run/tunlock.sock")
	cc, err = g.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "/run/tunlock.sock", cc.UnixSocketPath)

	g.socket = "/tmp/flag.sock"
	cc, err = g.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag.sock", cc.UnixSocketPath)

	g.tcpAddress = "127.0.0.1:7000"
	cc, err = g.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cc.TCPAddress)
	assert.Equal(t, filepath.Join(dir, core.DefaultRPCAuthName), cc.AuthFile)
	assert.Empty(t, cc.UnixSocketPath)
}

func TestParseToggle(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "ON": true, "yes": true, "true": true, "1": true, "off": false, "no": false, "false": false} {
		got, err := parseToggle(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseToggle("sometimes")
	assert.Error(t, err)
}

func TestDescribeTransition(t *testing.T) {
	ep := netip.MustParseAddrPort("198.51.100.7:51820")
	tests := []struct {
		in   tunnelstate.TunnelStateTransition
		want string
	}{
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected}, "disconnected"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected, Locked: true}, "disconnected (lockdown)"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateConnecting, Endpoint: ep, RetryAttempt: 2}, "connecting to 198.51.100.7:51820, attempt 3"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateConnected, Endpoint: ep, Obfuscation: "i2p"}, "connected to 198.51.100.7:51820 over i2p"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnecting, After: tunnelstate.AfterReconnect}, "disconnecting, then reconnect"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateError, Cause: tunnelstate.CauseIsOffline}, "error: is_offline (blocking)"},
		{tunnelstate.TunnelStateTransition{State: tunnelstate.StateError, Cause: tunnelstate.CauseAuthFailed, BlockFailure: "nft missing"}, "error: auth_failed (NOT BLOCKING: nft missing)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeTransition(tt.in))
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := defaultConfigPath()
	assert.Equal(t, core.DefaultConfigName, filepath.Base(path))
	if os.Geteuid() == 0 {
		assert.Equal(t, "/etc/tunlock", filepath.Dir(path))
	}
}
