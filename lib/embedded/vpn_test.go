package embedded

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/tunlock/lib/core"
	"github.com/go-i2p/tunlock/lib/rpc"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
	"github.com/go-i2p/tunlock/lib/validation"
)

func TestNew_DefaultConfig(t *testing.T) {
	vpn, err := New(Config{})
	if err != nil {
		t.Fatalf("New with default config failed: %v", err)
	}
	if vpn == nil {
		t.Fatal("New returned nil VPN")
	}
	defer vpn.Close()

	if vpn.State() != StateInitial {
		t.Errorf("expected state Initial, got %s", vpn.State())
	}
}

func TestNewWithOptions(t *testing.T) {
	dir := t.TempDir()
	vpn, err := NewWithOptions(
		WithDataDir(dir),
		WithTunnel("198.51.100.7:51820", testPeerKey, "10.64.0.2/32"),
		WithEventBufferSize(5),
		WithRPC(true),
	)
	if err != nil {
		t.Fatalf("NewWithOptions failed: %v", err)
	}
	defer vpn.Close()

	cfg := vpn.Config()
	if cfg.DataDir != dir {
		t.Errorf("expected data dir %s, got %s", dir, cfg.DataDir)
	}
	if cfg.EventBufferSize != 5 || !cfg.EnableRPC {
		t.Errorf("unexpected config %+v", cfg)
	}

	coreCfg := cfg.toCoreConfig()
	if coreCfg.Tunnel.Endpoint != "198.51.100.7:51820" || !coreCfg.Tunnel.Configured() {
		t.Errorf("tunnel config not applied: %+v", coreCfg.Tunnel)
	}
	if !coreCfg.RPC.Enabled || coreCfg.Daemon.DataDir != dir {
		t.Errorf("core config = %+v", coreCfg)
	}
}

func TestNew_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "empty config uses defaults",
			cfg:     Config{},
			wantErr: false,
		},
		{
			name:    "negative event buffer",
			cfg:     Config{DataDir: "/tmp/test", EventBufferSize: -1},
			wantErr: true,
		},
		{
			name:    "peer key without endpoint",
			cfg:     Config{DataDir: "/tmp/test", PeerPublicKey: testPeerKey},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vpn, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
					vpn.Close()
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			vpn.Close()
		})
	}
}

func TestToCoreConfigCopies(t *testing.T) {
	cfg, _ := testConfig(t)
	original := cfg.Core.RPC.Enabled
	cfg.EnableRPC = !original

	got := cfg.toCoreConfig()
	if got == cfg.Core {
		t.Fatal("toCoreConfig returned the caller's config")
	}
	if cfg.Core.RPC.Enabled != original {
		t.Error("caller's config was modified")
	}
	if got.RPC.Enabled == original {
		t.Error("EnableRPC not applied")
	}
}

func TestVPN_StateTransitions(t *testing.T) {
	vpn, fakes := newTestVPN(t)

	if vpn.State() != StateInitial {
		t.Errorf("expected Initial state, got %s", vpn.State())
	}

	ctx := context.Background()
	if err := vpn.Stop(ctx); err == nil {
		t.Error("Stop should fail when not running")
	}

	if err := vpn.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if vpn.State() != StateRunning {
		t.Errorf("expected Running state, got %s", vpn.State())
	}
	waitTunnel(t, vpn, tunnelstate.StateDisconnected)
	if fakes.tunnels.StartCount() != 0 {
		t.Error("no tunnel should start before Connect")
	}

	if err := vpn.Start(ctx); err == nil {
		t.Error("Second Start should fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := vpn.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if vpn.State() != StateStopped {
		t.Errorf("expected Stopped state, got %s", vpn.State())
	}
}

func TestVPN_NotRunning(t *testing.T) {
	vpn, _ := newTestVPN(t)

	if err := vpn.Connect(context.Background(), nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Connect: expected ErrNotRunning, got %v", err)
	}
	if err := vpn.Disconnect(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Disconnect: expected ErrNotRunning, got %v", err)
	}
	if err := vpn.SetAllowLAN(true); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SetAllowLAN: expected ErrNotRunning, got %v", err)
	}
	if got := vpn.TunnelState(); got.State != tunnelstate.StateDisconnected {
		t.Errorf("TunnelState = %s, want disconnected", got.State)
	}
	if vpn.PublicKey() != "" {
		t.Error("expected no public key before start")
	}
}

func TestVPN_ConnectDisconnect(t *testing.T) {
	vpn, fakes := newTestVPN(t)
	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := vpn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	tun := nextTunnel(t, fakes)
	tun.Up(tunnelstate.TunnelMetadata{Interface: "tl0"})

	tr := waitTunnel(t, vpn, tunnelstate.StateConnected)
	if tr.Endpoint != netip.MustParseAddrPort("198.51.100.7:51820") {
		t.Errorf("endpoint = %v", tr.Endpoint)
	}
	if status := vpn.Status(); status.Tunnel.State != tunnelstate.StateConnected || status.PublicKey == "" {
		t.Errorf("status = %+v", status)
	}

	if err := vpn.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitTunnel(t, vpn, tunnelstate.StateDisconnected)
	if !tun.CloseRequested() {
		t.Error("expected tunnel close on disconnect")
	}
}

func TestVPN_ConnectExplicitTarget(t *testing.T) {
	vpn, fakes := newTestVPN(t)
	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	target := &validation.Target{
		Endpoint:      "203.0.113.9:443",
		PeerPublicKey: testPeerKey,
		Addresses:     []string{"10.70.0.2/32"},
	}
	if err := vpn.Connect(context.Background(), target); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	nextTunnel(t, fakes)
	tr := waitTunnel(t, vpn, tunnelstate.StateConnecting)
	if tr.Endpoint.String() != "203.0.113.9:443" {
		t.Errorf("endpoint = %v", tr.Endpoint)
	}

	bad := &validation.Target{Endpoint: "203.0.113.9:443", PeerPublicKey: "nope"}
	if err := vpn.Connect(context.Background(), bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestVPN_Settings(t *testing.T) {
	vpn, fakes := newTestVPN(t)
	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitTunnel(t, vpn, tunnelstate.StateDisconnected)
	before := len(fakes.firewall.Applied())

	if err := vpn.SetBlockWhenDisconnected(true); err != nil {
		t.Fatalf("SetBlockWhenDisconnected failed: %v", err)
	}
	if err := vpn.SetAllowLAN(true); err != nil {
		t.Fatalf("SetAllowLAN failed: %v", err)
	}

	// Lockdown while disconnected installs a blocking policy without a new
	// transition.
	deadline := time.Now().Add(2 * time.Second)
	for len(fakes.firewall.Applied()) == before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(fakes.firewall.Applied()) == before {
		t.Error("expected a blocking policy after enabling lockdown")
	}
	status := vpn.Status()
	if !status.AllowLAN || !status.BlockWhenDisconnected {
		t.Errorf("status settings = %+v", status)
	}

	if err := vpn.ExcludeProcesses([]int{0}); err == nil {
		t.Error("expected error for pid 0")
	}
	if err := vpn.ExcludeProcesses([]int{1234}); err != nil {
		t.Fatalf("ExcludeProcesses failed: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for len(fakes.split.Excluded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fakes.split.Excluded(); len(got) != 1 || got[0] != 1234 {
		t.Errorf("excluded = %v", got)
	}
}

func TestVPN_Status(t *testing.T) {
	vpn, _ := newTestVPN(t)

	status := vpn.Status()
	if status.State != StateInitial {
		t.Errorf("expected Initial state, got %s", status.State)
	}
	if status.Uptime != 0 {
		t.Errorf("expected zero uptime before start, got %v", status.Uptime)
	}

	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	status = vpn.Status()
	if status.State != StateRunning {
		t.Errorf("expected Running state, got %s", status.State)
	}
	if status.Uptime < 100*time.Millisecond {
		t.Errorf("expected uptime >= 100ms, got %v", status.Uptime)
	}
	if status.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero after start")
	}
	if status.RPCSocket != "" {
		t.Error("expected no RPC socket when RPC is disabled")
	}
}

func TestVPN_Events(t *testing.T) {
	vpn, _ := newTestVPN(t, WithEventBufferSize(20))
	events := vpn.Events()

	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var hasStateChange, hasStarted, hasTunnel bool
	timeout := time.After(2 * time.Second)
	for !(hasStateChange && hasStarted && hasTunnel) {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("event channel closed")
			}
			switch event.Type {
			case EventStateChanged:
				hasStateChange = true
			case EventStarted:
				hasStarted = true
			case EventTunnelState:
				if event.Transition == nil {
					t.Fatal("tunnel event without transition")
				}
				hasTunnel = true
			}
		case <-timeout:
			t.Fatalf("missing events: stateChange=%v started=%v tunnel=%v", hasStateChange, hasStarted, hasTunnel)
		}
	}
}

func TestVPN_Done(t *testing.T) {
	vpn, _ := newTestVPN(t)

	ctx := context.Background()
	if err := vpn.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := vpn.Done()
	select {
	case <-done:
		t.Error("Done channel should not be closed while running")
	default:
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	vpn.Stop(stopCtx)

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Done channel should be closed after stop")
	}
}

func TestVPN_RestartAfterStop(t *testing.T) {
	vpn, _ := newTestVPN(t)
	ctx := context.Background()

	if err := vpn.Start(ctx); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	firstKey := vpn.PublicKey()

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := vpn.Stop(stopCtx); err != nil {
		t.Fatalf("First Stop failed: %v", err)
	}
	cancel()

	if err := vpn.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if vpn.State() != StateRunning {
		t.Errorf("expected Running state after restart, got %s", vpn.State())
	}
	if vpn.PublicKey() != firstKey {
		t.Error("public key changed across restarts")
	}
}

func TestVPN_CloseIdempotent(t *testing.T) {
	vpn, err := New(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := vpn.Close(); err != nil {
		t.Errorf("Close before start should not error: %v", err)
	}

	vpn2, _ := newTestVPN(t)
	vpn2.Start(context.Background())
	vpn2.Close()
	vpn2.Close()
}

func TestVPN_RPC(t *testing.T) {
	vpn, fakes := newTestVPN(t, WithRPC(true))
	if err := vpn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	socket := vpn.Status().RPCSocket
	if filepath.Base(socket) != core.DefaultRPCSocket {
		t.Fatalf("RPC socket = %q", socket)
	}

	client, err := rpc.NewClient(rpc.ClientConfig{UnixSocketPath: socket, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PublicKey != vpn.PublicKey() {
		t.Errorf("public key = %q, want %q", status.PublicKey, vpn.PublicKey())
	}

	res, err := client.Connect(ctx, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextTunnel(t, fakes)

	watch, err := client.Watch(ctx, res.Seq, 2*time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if watch.TimedOut || watch.Transition.State != tunnelstate.StateConnecting {
		t.Errorf("watch = %+v", watch)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.DataDir == "" {
		t.Error("DataDir should have default")
	}
	if cfg.RPCSocket != core.DefaultRPCSocket {
		t.Errorf("expected RPC socket %s, got %s", core.DefaultRPCSocket, cfg.RPCSocket)
	}
	if cfg.EventBufferSize != 100 {
		t.Errorf("expected event buffer size 100, got %d", cfg.EventBufferSize)
	}

	withCore := Config{Core: core.DefaultConfig()}
	withCore.applyDefaults()
	if withCore.DataDir != "" {
		t.Error("DataDir should come from the core config")
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{EventStarted, "started"},
		{EventStopped, "stopped"},
		{EventTunnelState, "tunnel_state"},
		{EventStateChanged, "state_changed"},
		{EventError, "error"},
		{EventType(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.eventType.String(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	e := newEventEmitter(1)
	e.emitSimple(EventStarted, "one")
	e.emitSimple(EventStarted, "two")
	if e.droppedEvents() != 1 {
		t.Errorf("dropped = %d, want 1", e.droppedEvents())
	}
	if ev := <-e.channel(); ev.Message != "two" {
		t.Errorf("kept %q, want the newest event", ev.Message)
	}

	e.emitStateChange(StateInitial, StateStarting, "starting")
	ev := <-e.channel()
	if ev.Change == nil || ev.Change.Old != StateInitial || ev.Change.New != StateStarting {
		t.Errorf("state change payload = %+v", ev.Change)
	}
	e.close()
	e.close()
	e.emitSimple(EventStopped, "after close")
}
