package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/testutil"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

const testPeerKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

// testFakes are the host collaborators handed to the daemon.
type testFakes struct {
	firewall *testutil.FakeFirewall
	tunnels  *testutil.FakeTunnelMonitor
	split    *testutil.FakeSplitTunnel
}

func (f *testFakes) collaborators() tunnelstate.Collaborators {
	return tunnelstate.Collaborators{
		Firewall:    f.firewall,
		Tunnels:     f.tunnels,
		DNS:         &testutil.FakeDNS{},
		Routes:      &testutil.FakeRoutes{},
		SplitTunnel: f.split,
		Blackhole:   &testutil.FakeBlackhole{},
	}
}

// testConfig returns a config that runs the daemon against fakes in a
// temporary data directory.
func testConfig(t *testing.T) (Config, *testFakes) {
	t.Helper()

	fakes := &testFakes{
		firewall: &testutil.FakeFirewall{},
		tunnels:  testutil.NewFakeTunnelMonitor(),
		split:    &testutil.FakeSplitTunnel{},
	}

	coreCfg := core.DefaultConfig()
	coreCfg.Daemon.DataDir = t.TempDir()
	coreCfg.Offline.Mode = core.OfflineNone
	coreCfg.Retry.CloseTimeout = core.Duration(time.Second)
	coreCfg.Tunnel.Endpoint = "198.51.100.7:51820"
	coreCfg.Tunnel.PeerPublicKey = testPeerKey
	coreCfg.Tunnel.Addresses = []string{"10.64.0.2/32"}

	return Config{
		Core:          coreCfg,
		Logger:        testutil.QuietLogger(),
		DaemonOptions: []core.DaemonOption{core.WithCollaborators(fakes.collaborators())},
	}, fakes
}

// newTestVPN creates a VPN against fakes and closes it when the test ends.
func newTestVPN(t *testing.T, opts ...Option) (*VPN, *testFakes) {
	t.Helper()
	cfg, fakes := testConfig(t)
	for _, opt := range opts {
		opt(&cfg)
	}
	vpn, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { vpn.Close() })
	return vpn, fakes
}

// waitTunnel waits for the tunnel to reach one of kinds.
func waitTunnel(t *testing.T, vpn *VPN, kinds ...tunnelstate.StateKind) tunnelstate.TunnelStateTransition {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	defer cancel()
	tr, err := vpn.WaitForState(ctx, kinds...)
	if err != nil {
		t.Fatalf("waiting for %v: %v (last %s)", kinds, err, tr.State)
	}
	return tr
}

// nextTunnel returns the next fake tunnel the monitor starts.
func nextTunnel(t *testing.T, fakes *testFakes) *testutil.FakeTunnel {
	t.Helper()
	select {
	case tun := <-fakes.tunnels.Started():
		return tun
	case <-time.After(testutil.DefaultWait):
		t.Fatal("tunnel was not started")
		return nil
	}
}
