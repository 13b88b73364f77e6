package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultClientTimeout bounds dialing and each ordinary call.
const DefaultClientTimeout = 30 * time.Second

// ClientConfig selects how to reach the daemon. UnixSocketPath wins over
// TCPAddress. AuthToken wins over AuthFile.
type ClientConfig struct {
	UnixSocketPath string
	TCPAddress     string
	// AuthToken is the hex token, as printed by the daemon.
	AuthToken string
	// AuthFile is the daemon's token file, readable by the same user.
	AuthFile string
	Timeout  time.Duration
}

func (cfg ClientConfig) endpoint() (network, address string, err error) {
	switch {
	case cfg.UnixSocketPath != "":
		return "unix", cfg.UnixSocketPath, nil
	case cfg.TCPAddress != "":
		return "tcp", cfg.TCPAddress, nil
	}
	return "", "", errors.New("no RPC address configured")
}

func (cfg ClientConfig) token() (authToken, error) {
	switch {
	case cfg.AuthToken != "":
		return parseToken(cfg.AuthToken)
	case cfg.AuthFile != "":
		return readTokenFile(cfg.AuthFile)
	}
	return nil, nil
}

// Client is one connection to the management API. Calls are serialised, so a
// long-poll Watch holds the connection until it returns.
type Client struct {
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	enc    *json.Encoder
	nextID uint64
}

// NewClient dials the daemon and, when a token is configured, authenticates.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	network, address, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}
	token, err := cfg.token()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout(network, address, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", network, err)
	}
	c := &Client{
		timeout: cfg.Timeout,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		enc:     json.NewEncoder(conn),
	}

	if token != nil {
		if err := c.Call(context.Background(), "auth", map[string]string{"token": token.String()}, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}
	return c, nil
}

// Call invokes method and decodes the result into result, which may be nil.
// A server error is returned as *Error. The call is bounded by the client
// timeout and by ctx.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.call(ctx, c.timeout, method, params, result)
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := Request{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = json.RawMessage(strconv.FormatUint(c.nextID, 10))

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := c.roundTrip(&req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// wireResponse keeps the result raw so it decodes straight into the caller's
// type.
type wireResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

func (c *Client) roundTrip(req *Request) (*wireResponse, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Status calls "status".
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	return callFor[StatusResult](ctx, c, "status", nil)
}

// Connect calls "tunnel.connect". A nil params connects to the configured
// target.
func (c *Client) Connect(ctx context.Context, params *ConnectParams) (*CommandResult, error) {
	if params == nil {
		params = &ConnectParams{}
	}
	return callFor[CommandResult](ctx, c, "tunnel.connect", params)
}

func (c *Client) Disconnect(ctx context.Context) (*CommandResult, error) {
	return callFor[CommandResult](ctx, c, "tunnel.disconnect", nil)
}

func (c *Client) Reconnect(ctx context.Context) (*CommandResult, error) {
	return callFor[CommandResult](ctx, c, "tunnel.reconnect", nil)
}

// SetAllowLAN calls "settings.allow_lan".
func (c *Client) SetAllowLAN(ctx context.Context, allow bool) (*CommandResult, error) {
	return callFor[CommandResult](ctx, c, "settings.allow_lan", ToggleParams{Enabled: &allow})
}

// SetBlockWhenDisconnected calls "settings.block_when_disconnected".
func (c *Client) SetBlockWhenDisconnected(ctx context.Context, block bool) (*CommandResult, error) {
	return callFor[CommandResult](ctx, c, "settings.block_when_disconnected", ToggleParams{Enabled: &block})
}

// SplitSet replaces the excluded process set. An empty pids clears it.
func (c *Client) SplitSet(ctx context.Context, pids []int) (*CommandResult, error) {
	if pids == nil {
		pids = []int{}
	}
	return callFor[CommandResult](ctx, c, "split.set", SplitSetParams{PIDs: pids})
}

func (c *Client) SplitList(ctx context.Context) (*SplitListResult, error) {
	return callFor[SplitListResult](ctx, c, "split.list", nil)
}

// Watch calls "state.watch", waiting up to timeout for a transition newer
// than afterSeq. Zero timeout uses the server default. The call deadline is
// the wait plus the client timeout.
func (c *Client) Watch(ctx context.Context, afterSeq uint64, timeout time.Duration) (*WatchResult, error) {
	wait := timeout
	if wait <= 0 {
		wait = DefaultWatchTimeout
	}
	params := WatchParams{AfterSeq: int64(afterSeq), TimeoutMS: int(timeout / time.Millisecond)}
	var result WatchResult
	if err := c.call(ctx, wait+c.timeout, "state.watch", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Version(ctx context.Context) (*VersionResult, error) {
	return callFor[VersionResult](ctx, c, "version", nil)
}

func callFor[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	var result T
	if err := c.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
