package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/tunlock/lib/metrics"
	"github.com/go-i2p/tunlock/lib/ratelimit"
)

const (
	// MaxRequestSize bounds one request line.
	MaxRequestSize = 1 << 20

	// HandlerTimeout bounds ordinary handlers.
	HandlerTimeout = 30 * time.Second

	// LongPollTimeout bounds long-poll handlers such as state.watch, which
	// apply their own shorter wait.
	LongPollTimeout = 5*time.Minute + 10*time.Second

	// ReadTimeout closes connections idle for longer than this.
	ReadTimeout = 10 * time.Minute

	WriteTimeout = 10 * time.Second

	// DefaultRate and DefaultBurst limit state-changing calls per connection.
	DefaultRate  = 10.0
	DefaultBurst = 20
)

var (
	errRequestTooLarge = errors.New("request too large")
	errSocketInUse     = errors.New("socket is in use by another daemon")
)

// Handler answers one method. A returned *Error is sent to the client as is.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

type route struct {
	handler  Handler
	limited  bool
	longPoll bool
}

func (r route) timeout() time.Duration {
	if r.longPoll {
		return LongPollTimeout
	}
	return HandlerTimeout
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// UnixSocketPath is created with mode 0600. Clients on it are trusted.
	UnixSocketPath string
	// TCPAddress enables a TCP listener. It requires AuthFile.
	TCPAddress string
	// AuthFile holds the hex token TCP clients must present. It is created
	// when missing.
	AuthFile string
	// MaxConnections caps concurrent connections; 0 means
	// DefaultMaxConnections.
	MaxConnections int
	// Rate and Burst limit rate-limited methods per connection. Zero values
	// use DefaultRate and DefaultBurst.
	Rate  float64
	Burst int
}

// Server serves the management API. Register handlers before Start. A
// stopped server cannot be started again.
type Server struct {
	cfg     ServerConfig
	token   authToken
	conns   *ConnectionLimiter
	limiter *ratelimit.KeyedLimiter
	connSeq atomic.Uint64
	wg      sync.WaitGroup

	mu        sync.RWMutex
	routes    map[string]route
	listeners []net.Listener
	cancel    context.CancelFunc
	running   bool
	stopped   bool
}

// NewServer prepares a server. It loads or creates the auth token but does
// not listen yet.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	s := &Server{
		cfg:    cfg,
		conns:  NewConnectionLimiter(cfg.MaxConnections),
		routes: make(map[string]route),
	}
	if cfg.AuthFile != "" {
		token, err := loadOrCreateToken(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("rpc auth: %w", err)
		}
		s.token = token
	}
	s.conns.SetOnReject(func(addr net.Addr) {
		log.WithField("remote", addrString(addr)).
			WithField("max", s.conns.MaxConnections()).
			Warn("RPC connection rejected, too many clients")
	})
	s.limiter = ratelimit.NewKeyed(cfg.Rate, cfg.Burst, time.Minute)
	return s, nil
}

// RegisterHandler registers an unlimited method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.register(method, route{handler: handler})
}

// RegisterLimitedHandler registers a method whose calls count against the
// per-connection rate limit.
func (s *Server) RegisterLimitedHandler(method string, handler Handler) {
	s.register(method, route{handler: handler, limited: true})
}

// RegisterLongPollHandler registers a method that may block for up to
// LongPollTimeout.
func (s *Server) RegisterLongPollHandler(method string, handler Handler) {
	s.register(method, route{handler: handler, longPoll: true})
}

func (s *Server) register(method string, r route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method] = r
}

// Start opens the configured listeners and serves until ctx is cancelled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.running:
		return errors.New("rpc server already running")
	case s.stopped:
		return errors.New("rpc server was stopped")
	case s.cfg.UnixSocketPath == "" && s.cfg.TCPAddress == "":
		return errors.New("rpc server has no listen address")
	case s.cfg.TCPAddress != "" && s.token == nil:
		return errors.New("rpc tcp listener requires an auth file")
	}

	var listeners []net.Listener
	if path := s.cfg.UnixSocketPath; path != "" {
		ln, err := listenUnix(path)
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)
	}
	if addr := s.cfg.TCPAddress; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.listeners = listeners
	s.running = true
	for _, ln := range listeners {
		log.WithField("network", ln.Addr().Network()).
			WithField("address", ln.Addr().String()).
			Info("RPC server listening")
		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}
	return nil
}

// listenUnix replaces a socket left behind by a crashed daemon but refuses
// to steal one that still answers.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", path, errSocketInUse)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.WithField("address", ln.Addr().String()).WithError(err).Error("RPC accept failed")
			}
			return
		}
		if conn = s.conns.Accept(conn); conn == nil {
			continue
		}

		sess := s.newSession(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, sess)
		}()
	}
}

// session is one client connection. TCP sessions start unauthenticated.
type session struct {
	conn          net.Conn
	enc           *json.Encoder
	network       string
	remote        string
	key           string
	authenticated bool
}

func (s *Server) newSession(conn net.Conn) *session {
	network := conn.LocalAddr().Network()
	return &session{
		conn:          conn,
		enc:           json.NewEncoder(conn),
		network:       network,
		remote:        addrString(conn.RemoteAddr()),
		key:           fmt.Sprintf("%s#%d", network, s.connSeq.Add(1)),
		authenticated: network != "tcp",
	}
}

func addrString(addr net.Addr) string {
	if addr == nil || addr.String() == "" {
		return "local"
	}
	return addr.String()
}

// serve answers requests on one connection until the client hangs up, the
// connection idles out or the server stops.
func (s *Server) serve(ctx context.Context, sess *session) {
	defer func() {
		sess.conn.Close()
		s.limiter.Forget(sess.key)
	}()
	stop := context.AfterFunc(ctx, func() { sess.conn.SetReadDeadline(time.Now()) })
	defer stop()

	log.WithField("network", sess.network).WithField("remote", sess.remote).Debug("RPC client connected")

	r := bufio.NewReaderSize(sess.conn, 64<<10)
	for {
		sess.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		if ctx.Err() != nil {
			return
		}
		line, err := readLine(r, MaxRequestSize)
		if err != nil {
			if errors.Is(err, errRequestTooLarge) {
				s.reply(sess, NewErrorResponse(nil, NewError(ErrCodeInvalidRequest, "request too large", nil)))
			} else if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithField("remote", sess.remote).WithError(err).Debug("RPC read failed")
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.reply(sess, s.answer(ctx, sess, line))
	}
}

// readLine reads one newline-terminated line of at most limit bytes.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line)+len(chunk) > limit {
			return nil, errRequestTooLarge
		}
		line = append(line, chunk...)
		if !more {
			return line, nil
		}
	}
}

// answer parses one line and produces its response.
func (s *Server) answer(ctx context.Context, sess *session, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", err.Error()))
	}
	if err := ValidateRequest(&req); err != nil {
		return NewErrorResponse(req.ID, NewError(ErrCodeInvalidRequest, "invalid request", err.Error()))
	}

	switch {
	case req.Method == "auth":
		return s.handleAuth(&req, sess)
	case !sess.authenticated:
		return NewErrorResponse(req.ID, ErrAuthRequired())
	}
	return s.dispatch(ctx, sess, &req)
}

func (s *Server) reply(sess *session, resp *Response) {
	sess.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := sess.enc.Encode(resp); err != nil {
		log.WithField("remote", sess.remote).WithError(err).Debug("RPC write failed")
	}
}

// handleAuth checks the token sent with "auth". Without a token file every
// client is accepted.
func (s *Server) handleAuth(req *Request, sess *session) *Response {
	if s.token == nil {
		sess.authenticated = true
		return NewSuccessResponse(req.ID, map[string]string{"message": "authentication not required"})
	}

	var params struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Token == "" {
		return NewErrorResponse(req.ID, ErrInvalidParams("token required"))
	}
	if !s.token.matches(params.Token) {
		log.WithField("remote", sess.remote).Warn("rejected RPC auth token")
		return NewErrorResponse(req.ID, ErrPermissionDenied("invalid token"))
	}

	sess.authenticated = true
	return NewSuccessResponse(req.ID, map[string]string{"message": "authenticated"})
}

// dispatch runs the handler for an authenticated request.
func (s *Server) dispatch(ctx context.Context, sess *session, req *Request) *Response {
	s.mu.RLock()
	r, ok := s.routes[req.Method]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}
	metrics.RPCRequests.WithLabelValues(req.Method).Inc()

	if r.limited && !s.limiter.Allow(sess.key) {
		metrics.RateLimitRejections.Inc()
		log.WithField("method", req.Method).WithField("remote", sess.remote).Debug("RPC call rate limited")
		return NewErrorResponse(req.ID, ErrRateLimited())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	result, rpcErr := r.handler(ctx, req.Params)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewSuccessResponse(req.ID, result)
}

// Stop closes the listeners and open connections and waits for in-flight
// handlers.
func (s *Server) Stop() error {
	return s.StopWithContext(context.Background())
}

// StopWithContext is Stop bounded by ctx. Stopping a server that is not
// running is a no-op.
func (s *Server) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	listeners, cancel := s.listeners, s.cancel
	s.mu.Unlock()

	cancel()
	for _, ln := range listeners {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for RPC connections: %w", ctx.Err())
	}
	s.limiter.Close()
	log.Info("RPC server stopped")
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AuthToken returns the hex token TCP clients must present, or "" when none
// is configured.
func (s *Server) AuthToken() string {
	if s.token == nil {
		return ""
	}
	return s.token.String()
}

// UnixSocketPath returns the socket path while listening.
func (s *Server) UnixSocketPath() string {
	return s.listenAddr("unix")
}

// TCPAddress returns the bound TCP address while listening, with the port
// resolved when the config asked for port 0.
func (s *Server) TCPAddress() string {
	return s.listenAddr("tcp")
}

func (s *Server) listenAddr(network string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ln := range s.listeners {
		if ln.Addr().Network() == network {
			return ln.Addr().String()
		}
	}
	return ""
}
