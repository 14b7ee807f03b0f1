// Package ports reserves loopback TCP ports for worker processes.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/phayes/freeport"

	"github.com/ixpantia/faucet-go/internal/ferror"
)

// unsafePorts mirrors the list of ports browsers refuse to connect to,
// avoided here so a worker never ends up bound to one a client-side proxy
// or browser would silently refuse.
var unsafePorts = map[int]struct{}{
	1: {}, 7: {}, 9: {}, 11: {}, 13: {}, 15: {}, 17: {}, 19: {}, 20: {}, 21: {},
	22: {}, 23: {}, 25: {}, 37: {}, 42: {}, 43: {}, 53: {}, 77: {}, 79: {}, 87: {},
	95: {}, 101: {}, 102: {}, 103: {}, 104: {}, 109: {}, 110: {}, 111: {}, 113: {},
	115: {}, 117: {}, 119: {}, 123: {}, 135: {}, 139: {}, 143: {}, 179: {}, 389: {},
	427: {}, 465: {}, 512: {}, 513: {}, 514: {}, 515: {}, 526: {}, 530: {}, 531: {},
	532: {}, 540: {}, 548: {}, 556: {}, 563: {}, 587: {}, 601: {}, 636: {}, 993: {},
	995: {}, 2049: {}, 3659: {}, 4045: {}, 6000: {}, 6665: {}, 6666: {}, 6667: {},
	6668: {}, 6669: {}, 6697: {},
}

const (
	minPort = 1024
	maxPort = 49151
)

// Allocator reserves distinct loopback ports for concurrently starting
// workers. A bare GetFreePort call from freeport can return the same port
// twice if nothing has bound it yet; Allocator tracks in-process reservations
// so that never happens.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewAllocator returns a ready-to-use Allocator.
func NewAllocator() *Allocator {
	return &Allocator{reserved: make(map[int]struct{})}
}

// Reserve returns a loopback port in [1024, 49151], excluding IANA unsafe
// ports and ports already reserved by this Allocator. It makes up to tries
// random draws, then up to tries OS-assigned ports, before giving up.
func (a *Allocator) Reserve(tries int) (int, error) {
	for i := 0; i < tries; i++ {
		port := minPort + rand.Intn(maxPort-minPort+1)
		if _, bad := unsafePorts[port]; bad {
			continue
		}

		a.mu.Lock()
		_, taken := a.reserved[port]
		a.mu.Unlock()
		if taken {
			continue
		}

		if !available(port) {
			continue
		}

		a.mu.Lock()
		if _, taken := a.reserved[port]; taken {
			a.mu.Unlock()
			continue
		}
		a.reserved[port] = struct{}{}
		a.mu.Unlock()
		return port, nil
	}

	// Fall back to the OS-assigned free port from freeport once random
	// probing runs out of tries, still respecting in-process reservations.
	for i := 0; i < tries; i++ {
		port, err := freeport.GetFreePort()
		if err != nil {
			return 0, ferror.Wrap(ferror.ErrNoSocketsAvailable, "freeport: %v", err)
		}
		if _, bad := unsafePorts[port]; bad || port < minPort || port > maxPort {
			continue
		}
		a.mu.Lock()
		_, taken := a.reserved[port]
		if !taken {
			a.reserved[port] = struct{}{}
		}
		a.mu.Unlock()
		if !taken {
			return port, nil
		}
	}

	return 0, ferror.Wrap(ferror.ErrNoSocketsAvailable, "exhausted %d attempts", tries)
}

// Release frees port for reuse by future Reserve calls.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

func available(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// ReserveN reserves n distinct ports in one call, releasing everything it
// acquired if any reservation fails partway through.
func (a *Allocator) ReserveN(n, tries int) ([]int, error) {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.Reserve(tries)
		if err != nil {
			for _, p := range out {
				a.Release(p)
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
