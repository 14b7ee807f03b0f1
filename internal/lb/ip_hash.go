package lb

import (
	"hash/fnv"
	"log"
	"net"
	"time"

	"github.com/ixpantia/faucet-go/internal/worker"
)

// ipHashBaseBackoff is the minimum exponential backoff delay used while
// waiting for an IP-hash target to come online.
const ipHashBaseBackoff = 50 * time.Millisecond

// ipHashMaxBackoff caps the exponential backoff so a long-dead worker
// doesn't leave callers waiting minutes between retries.
const ipHashMaxBackoff = 5 * time.Second

// IPHash always sends a given client IP to the same worker, so long as it
// stays online.
type IPHash struct {
	targets []*worker.Supervisor
}

// NewIPHash returns an IPHash strategy over targets.
func NewIPHash(targets []*worker.Supervisor) *IPHash {
	return &IPHash{targets: targets}
}

func hashIP(ip net.IP) uint64 {
	h := fnv.New64a()
	h.Write(ip)
	return h.Sum64()
}

func exponentialBackoff(base, cap time.Duration, retries uint) time.Duration {
	d := base << retries
	if d > cap || d < base { // guard against overflow from a large retry count
		return cap
	}
	return d
}

// Pick returns the worker assigned to ip, waiting with exponential backoff
// if it happens to be offline right now.
func (h *IPHash) Pick(ip net.IP) *worker.Supervisor {
	index := hashIP(ip) % uint64(len(h.targets))
	target := h.targets[index]

	var retries uint
	for !target.IsOnline() {
		backoff := exponentialBackoff(ipHashBaseBackoff, ipHashMaxBackoff, retries)
		log.Printf("[lb] ip %s waiting for offline worker %d, retrying in %s", ip, target.ID(), backoff)
		time.Sleep(backoff)
		retries++
	}
	return target
}
