package rpc

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/tunlock/lib/metrics"
)

// DefaultMaxConnections bounds concurrent management connections.
const DefaultMaxConnections = 100

// ConnectionLimiter caps the number of open management connections. A
// watch client holds its connection for minutes, so the cap applies to
// connections rather than requests.
type ConnectionLimiter struct {
	max    int32
	active atomic.Int32

	mu       sync.RWMutex
	onReject func(addr net.Addr)
}

// NewConnectionLimiter creates a limiter. maxConns <= 0 selects
// DefaultMaxConnections.
func NewConnectionLimiter(maxConns int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	return &ConnectionLimiter{max: int32(maxConns)}
}

// SetOnReject installs a callback for connections turned away at the limit.
func (cl *ConnectionLimiter) SetOnReject(fn func(addr net.Addr)) {
	cl.mu.Lock()
	cl.onReject = fn
	cl.mu.Unlock()
}

// Acquire takes a slot, reporting false at the limit.
func (cl *ConnectionLimiter) Acquire() bool {
	for {
		n := cl.active.Load()
		if n >= cl.max {
			return false
		}
		if cl.active.CompareAndSwap(n, n+1) {
			metrics.RPCConnections.Inc()
			return true
		}
	}
}

// Release returns a slot taken by Acquire.
func (cl *ConnectionLimiter) Release() {
	cl.active.Add(-1)
	metrics.RPCConnections.Dec()
}

// Accept admits conn if a slot is free. The returned connection gives the
// slot back when closed. At the limit conn is closed and nil returned.
func (cl *ConnectionLimiter) Accept(conn net.Conn) net.Conn {
	if !cl.Acquire() {
		cl.mu.RLock()
		onReject := cl.onReject
		cl.mu.RUnlock()
		if onReject != nil {
			onReject(conn.RemoteAddr())
		}
		metrics.RPCConnectionRejections.Inc()
		conn.Close()
		return nil
	}
	return &limitedConn{Conn: conn, limiter: cl}
}

// ActiveConnections returns the number of held slots.
func (cl *ConnectionLimiter) ActiveConnections() int {
	return int(cl.active.Load())
}

// MaxConnections returns the limit.
func (cl *ConnectionLimiter) MaxConnections() int {
	return int(cl.max)
}

type limitedConn struct {
	net.Conn
	limiter *ConnectionLimiter
	release sync.Once
}

func (lc *limitedConn) Close() error {
	lc.release.Do(lc.limiter.Release)
	return lc.Conn.Close()
}
