// Package state holds process-wide proxy state: the in-flight connection
// counter and the shutdown signal workers and the listener coordinate on.
package state

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// inFlight counts HTTP and WebSocket connections currently being proxied to
// a worker. It is initialized deterministically at package load rather than
// lazily, so there is no get-or-init path that can ever observe an
// uninitialized counter.
var inFlight atomic.Int64

// AddConnection records the start of a proxied connection.
func AddConnection() {
	inFlight.Add(1)
}

// RemoveConnection records the end of a proxied connection.
func RemoveConnection() {
	inFlight.Add(-1)
}

// CurrentConnections returns the number of connections currently in flight.
func CurrentConnections() int64 {
	return inFlight.Load()
}

const waitStopLogInterval = 5 * time.Second

// ShutdownSignal lets the listener and any long-lived goroutines agree on
// when the process should stop accepting new work.
type ShutdownSignal struct {
	isShutdown atomic.Bool
	once       sync.Once
	done       chan struct{}
}

// NewShutdownSignal returns a ready-to-use ShutdownSignal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Shutdown marks the signal as tripped and wakes any goroutine blocked in
// Wait. Safe to call more than once.
func (s *ShutdownSignal) Shutdown() {
	if s.isShutdown.CompareAndSwap(false, true) {
		s.once.Do(func() { close(s.done) })
	}
}

// Wait blocks until Shutdown has been called or ctx is canceled.
func (s *ShutdownSignal) Wait(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// IsShutdown reports whether Shutdown has been called.
func (s *ShutdownSignal) IsShutdown() bool {
	return s.isShutdown.Load()
}

// Done returns a channel that is closed once Shutdown has been called.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

// Graceful trips the signal only once CurrentConnections reaches zero,
// logging progress every 5 seconds while it waits. It is meant to be
// invoked from an OS signal handler goroutine.
func (s *ShutdownSignal) Graceful() {
	log.Printf("[shutdown] received stop signal, waiting for all users to disconnect")
	last := time.Now()
	for CurrentConnections() > 0 {
		time.Sleep(10 * time.Millisecond)
		if time.Since(last) > waitStopLogInterval {
			log.Printf("[shutdown] active connections = %d, waiting for all connections to stop", CurrentConnections())
			last = time.Now()
		}
	}
	s.Shutdown()
}

// Immediate trips the signal right away, abandoning any in-flight
// connections.
func (s *ShutdownSignal) Immediate() {
	log.Printf("[shutdown] starting immediate shutdown")
	s.Shutdown()
}
