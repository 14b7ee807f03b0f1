// Package pool implements a bounded pool of persistent HTTP/1.1 connections
// to a single worker process.
package pool

import (
	"context"
	"net"
	"time"

	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/state"
)

// DefaultCapacity is the maximum number of concurrent connections a Pool
// will keep open to its worker.
const DefaultCapacity = 1024

const dialTimeout = 2 * time.Second

// conn wraps one persistent connection to the worker.
type conn struct {
	nc net.Conn
}

func (c *conn) closed() bool {
	// A best-effort liveness check: a one-byte read with a very short
	// deadline tells us whether the peer has already closed the socket.
	_ = c.nc.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.nc.Read(buf)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return !(ok && ne.Timeout())
}

// Pool manages up to capacity concurrently-leased connections to one
// worker's loopback address, creating new ones on demand and recycling
// live ones back for reuse.
type Pool struct {
	addr     string
	capacity int
	slots    chan *conn
}

// New returns a Pool that lazily dials addr, never holding more than
// capacity connections open at once.
func New(addr string, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{addr: addr, capacity: capacity, slots: make(chan *conn, capacity)}
	for i := 0; i < capacity; i++ {
		p.slots <- nil // nil placeholder: dialed lazily on first Acquire
	}
	return p
}

// HTTPConnection is an exclusively-leased connection to the pool's worker.
// Its Conn carries one request/response; Release (or Drop) must always be
// called exactly once to return capacity to the pool.
type HTTPConnection struct {
	pool *Pool
	c    *conn
}

// Acquire leases a connection, dialing a new one if none is idle, blocking
// until either a connection becomes available or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context) (*HTTPConnection, error) {
	select {
	case slot := <-p.slots:
		if slot == nil || slot.closed() {
			nc, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", p.addr)
			if err != nil {
				p.slots <- nil // give the capacity back even on dial failure
				return nil, ferror.Wrap(ferror.ErrUpstream, "dial %s", p.addr)
			}
			slot = &conn{nc: nc}
		}
		state.AddConnection()
		return &HTTPConnection{pool: p, c: slot}, nil
	case <-ctx.Done():
		return nil, ferror.Wrap(ferror.ErrPoolTimeout, "acquiring connection to %s", p.addr)
	}
}

// Conn returns the underlying net.Conn for the caller to write a request to
// and read a response from directly.
func (h *HTTPConnection) Conn() net.Conn {
	return h.c.nc
}

// Release returns a healthy connection to the pool for reuse.
func (h *HTTPConnection) Release() {
	state.RemoveConnection()
	select {
	case h.pool.slots <- h.c:
	default:
		// Every slot is already filled; drop the connection.
		h.c.nc.Close()
	}
}

// Drop discards a connection that turned out to be broken, still freeing
// its pool capacity for a fresh dial next time.
func (h *HTTPConnection) Drop() {
	state.RemoveConnection()
	h.c.nc.Close()
	select {
	case h.pool.slots <- nil:
	default:
	}
}

