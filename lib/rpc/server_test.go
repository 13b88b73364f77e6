package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testSession() *session {
	return &session{network: "unix", remote: "test", key: "unix#1", authenticated: true}
}

func okHandler(ctx context.Context, params json.RawMessage) (any, *Error) {
	return "ok", nil
}

func echoHandler(ctx context.Context, params json.RawMessage) (any, *Error) {
	var v map[string]any
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	return v, nil
}

// startServer starts a server with the handlers registered by setup and stops
// it when the test ends.
func startServer(t *testing.T, cfg ServerConfig, setup func(*Server)) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if setup != nil {
		setup(s)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// rawConn speaks the line protocol directly, bypassing Client.
type rawConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, network, address string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout(network, address, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", address, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawConn) send(t *testing.T, line string) *Response {
	t.Helper()
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return &resp
}

func errCode(resp *Response) int {
	if resp.Error == nil {
		return 0
	}
	return resp.Error.Code
}

func TestServerStartRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no address", ServerConfig{}},
		{"tcp without auth file", ServerConfig{TCPAddress: "127.0.0.1:0"}},
		{"unwritable socket dir", ServerConfig{UnixSocketPath: "/proc/tunlock/rpc.sock"}},
		{"tcp address in use", ServerConfig{
			UnixSocketPath: filepath.Join(dir, "bad-tcp.sock"),
			TCPAddress:     taken.Addr().String(),
			AuthFile:       filepath.Join(dir, "auth.token"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewServer(tt.cfg)
			if err != nil {
				t.Fatalf("NewServer: %v", err)
			}
			defer s.limiter.Close()
			if err := s.Start(context.Background()); err == nil {
				s.Stop()
				t.Fatal("Start succeeded")
			}
			if s.IsRunning() {
				t.Error("server running after failed Start")
			}
		})
	}

	// A failed TCP listen must not leave the Unix socket behind.
	if _, err := os.Stat(filepath.Join(dir, "bad-tcp.sock")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("unix socket left after failed start: %v", err)
	}
}

func TestServerUnixLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "rpc.sock")
	s := startServer(t, ServerConfig{UnixSocketPath: path}, nil)

	if !s.IsRunning() {
		t.Fatal("server not running")
	}
	if got := s.UnixSocketPath(); got != path {
		t.Errorf("UnixSocketPath = %q, want %q", got, path)
	}
	if s.TCPAddress() != "" {
		t.Error("unexpected TCP listener")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("socket missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("server running after Stop")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket not removed on stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start after Stop succeeded")
	}
}

func TestServerSocketOwnership(t *testing.T) {
	dir := t.TempDir()

	t.Run("refuses live socket", func(t *testing.T) {
		path := filepath.Join(dir, "live.sock")
		startServer(t, ServerConfig{UnixSocketPath: path}, nil)

		other, err := NewServer(ServerConfig{UnixSocketPath: path})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		defer other.limiter.Close()
		if err := other.Start(context.Background()); !errors.Is(err, errSocketInUse) {
			t.Fatalf("Start = %v, want errSocketInUse", err)
		}
	})

	t.Run("replaces stale socket", func(t *testing.T) {
		path := filepath.Join(dir, "stale.sock")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		s := startServer(t, ServerConfig{UnixSocketPath: path}, nil)
		dialRaw(t, "unix", s.UnixSocketPath())
	})
}

func TestServerLineProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	startServer(t, ServerConfig{UnixSocketPath: path}, func(s *Server) {
		s.RegisterHandler("echo", echoHandler)
		s.RegisterHandler("fail", func(context.Context, json.RawMessage) (any, *Error) {
			return nil, ErrInternal("firewall unavailable")
		})
	})
	c := dialRaw(t, "unix", path)

	tests := []struct {
		name string
		line string
		code int
		id   string
	}{
		{"echo", `{"jsonrpc":"2.0","method":"echo","params":{"allow_lan":true},"id":1}`, 0, "1"},
		{"handler error", `{"jsonrpc":"2.0","method":"fail","id":2}`, ErrCodeInternal, "2"},
		{"unknown method", `{"jsonrpc":"2.0","method":"tunnel.teleport","id":3}`, ErrCodeMethodNotFound, "3"},
		{"not json", `{"jsonrpc":`, ErrCodeParse, ""},
		{"wrong version", `{"jsonrpc":"1.0","method":"echo","id":4}`, ErrCodeInvalidRequest, "4"},
		{"no method", `{"jsonrpc":"2.0","id":5}`, ErrCodeInvalidRequest, "5"},
		{"string id", `{"jsonrpc":"2.0","method":"echo","params":{},"id":"abc"}`, 0, `"abc"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.send(t, tt.line)
			if got := errCode(resp); got != tt.code {
				t.Fatalf("code = %d, want %d (%+v)", got, tt.code, resp.Error)
			}
			if string(resp.ID) != tt.id {
				t.Errorf("id = %s, want %s", resp.ID, tt.id)
			}
			if resp.JSONRPC != "2.0" {
				t.Errorf("jsonrpc = %q", resp.JSONRPC)
			}
		})
	}

	t.Run("blank lines are skipped", func(t *testing.T) {
		resp := c.send(t, "\n  \n"+`{"jsonrpc":"2.0","method":"echo","params":{"n":1},"id":9}`)
		if resp.Error != nil || string(resp.ID) != "9" {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestServerTCPAuth(t *testing.T) {
	dir := t.TempDir()
	authFile := filepath.Join(dir, "rpc_auth.token")
	s := startServer(t, ServerConfig{
		UnixSocketPath: filepath.Join(dir, "rpc.sock"),
		TCPAddress:     "127.0.0.1:0",
		AuthFile:       authFile,
	}, func(s *Server) {
		s.RegisterHandler("status", okHandler)
	})

	addr := s.TCPAddress()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("TCPAddress = %q", addr)
	}

	c := dialRaw(t, "tcp", addr)
	status := `{"jsonrpc":"2.0","method":"status","id":1}`
	if code := errCode(c.send(t, status)); code != ErrCodeAuthRequired {
		t.Fatalf("unauthenticated status code = %d", code)
	}
	if code := errCode(c.send(t, `{"jsonrpc":"2.0","method":"auth","params":{},"id":2}`)); code != ErrCodeInvalidParams {
		t.Errorf("empty auth code = %d", code)
	}
	wrong := strings.Repeat("ab", AuthTokenLength)
	if code := errCode(c.send(t, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+wrong+`"},"id":3}`)); code != ErrCodePermissionDenied {
		t.Errorf("wrong token code = %d", code)
	}
	if code := errCode(c.send(t, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+s.AuthToken()+`"},"id":4}`)); code != 0 {
		t.Fatalf("auth code = %d", code)
	}
	if code := errCode(c.send(t, status)); code != 0 {
		t.Errorf("authenticated status code = %d", code)
	}

	// The Unix socket needs no token even when TCP does.
	u := dialRaw(t, "unix", s.UnixSocketPath())
	if code := errCode(u.send(t, status)); code != 0 {
		t.Errorf("unix status code = %d", code)
	}

	t.Run("client with auth file", func(t *testing.T) {
		client, err := NewClient(ClientConfig{TCPAddress: addr, AuthFile: authFile, Timeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		defer client.Close()
		var got string
		if err := client.Call(context.Background(), "status", nil, &got); err != nil || got != "ok" {
			t.Errorf("status = %q, %v", got, err)
		}
	})

	t.Run("client without token", func(t *testing.T) {
		client, err := NewClient(ClientConfig{TCPAddress: addr, Timeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		defer client.Close()
		var rpcErr *Error
		err = client.Call(context.Background(), "status", nil, nil)
		if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeAuthRequired {
			t.Errorf("err = %v, want auth required", err)
		}
	})
}

func TestHandleAuthWithoutToken(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.limiter.Close()

	sess := &session{network: "tcp", remote: "test"}
	resp := s.handleAuth(&Request{JSONRPC: "2.0", Method: "auth", ID: json.RawMessage(`1`)}, sess)
	if resp.Error != nil || !sess.authenticated {
		t.Errorf("resp = %+v, authenticated = %v", resp.Error, sess.authenticated)
	}
}

func TestServerRouteKinds(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.limiter.Close()

	s.RegisterHandler("plain", okHandler)
	s.RegisterLimitedHandler("limited", okHandler)
	s.RegisterLongPollHandler("poll", okHandler)

	if r := s.routes["plain"]; r.limited || r.longPoll || r.timeout() != HandlerTimeout {
		t.Errorf("plain route = %+v", r)
	}
	if r := s.routes["limited"]; !r.limited {
		t.Error("limited route not rate limited")
	}
	if r := s.routes["poll"]; !r.longPoll || r.timeout() != LongPollTimeout {
		t.Error("poll route not long-poll")
	}
}

func TestServerDispatchRateLimit(t *testing.T) {
	s, err := NewServer(ServerConfig{Rate: 0.001, Burst: 2})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.limiter.Close()

	s.RegisterLimitedHandler("tunnel.connect", okHandler)
	s.RegisterHandler("status", okHandler)

	req := &Request{JSONRPC: "2.0", Method: "tunnel.connect", ID: json.RawMessage(`1`)}
	sess := testSession()
	for i := 0; i < 2; i++ {
		if resp := s.dispatch(context.Background(), sess, req); resp.Error != nil {
			t.Fatalf("call %d: unexpected error %v", i, resp.Error)
		}
	}
	if code := errCode(s.dispatch(context.Background(), sess, req)); code != ErrCodeRateLimited {
		t.Fatalf("third call code = %d, want rate limited", code)
	}

	// Other connections have their own budget.
	other := testSession()
	other.key = "unix#2"
	if resp := s.dispatch(context.Background(), other, req); resp.Error != nil {
		t.Errorf("other connection limited: %v", resp.Error)
	}

	status := &Request{JSONRPC: "2.0", Method: "status", ID: json.RawMessage(`2`)}
	if resp := s.dispatch(context.Background(), sess, status); resp.Error != nil {
		t.Errorf("status limited: %v", resp.Error)
	}
}

func TestServerDispatchLongPollDeadline(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.limiter.Close()

	var got time.Duration
	s.RegisterLongPollHandler("state.watch", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		d, _ := ctx.Deadline()
		got = time.Until(d)
		return nil, nil
	})
	s.dispatch(context.Background(), testSession(), &Request{JSONRPC: "2.0", Method: "state.watch"})
	if got <= HandlerTimeout {
		t.Errorf("long-poll deadline %v, want more than %v", got, HandlerTimeout)
	}
}

func TestReadLineLimit(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("a", 100)+"\nnext\n"), 16)
	if _, err := readLine(r, 50); err != errRequestTooLarge {
		t.Fatalf("expected errRequestTooLarge, got %v", err)
	}

	r = bufio.NewReaderSize(strings.NewReader(strings.Repeat("b", 40)+"\n"), 16)
	line, err := readLine(r, 50)
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	if len(line) != 40 {
		t.Errorf("line length = %d, want 40", len(line))
	}
}

func TestServerConnectionLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	startServer(t, ServerConfig{UnixSocketPath: path, MaxConnections: 1}, func(s *Server) {
		s.RegisterHandler("status", okHandler)
	})

	first := dialRaw(t, "unix", path)
	if code := errCode(first.send(t, `{"jsonrpc":"2.0","method":"status","id":1}`)); code != 0 {
		t.Fatalf("first connection code = %d", code)
	}

	second := dialRaw(t, "unix", path)
	second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.r.ReadByte(); err == nil {
		t.Error("second connection should be closed at the limit")
	}
}

func TestServerStopClosesIdleConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.sock")
	s := startServer(t, ServerConfig{UnixSocketPath: path}, nil)
	c := dialRaw(t, "unix", path)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StopWithContext(stopCtx); err != nil {
		t.Fatalf("StopWithContext: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.r.ReadByte(); err == nil {
		t.Error("expected connection to be closed by server")
	}
}
