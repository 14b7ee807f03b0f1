package lb

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ixpantia/faucet-go/internal/worker"
)

const (
	cookieHashBaseBackoff = time.Millisecond
	cookieHashMaxBackoff  = 500 * time.Millisecond
)

// CookieHash pins a session (identified by a UUID issued in a cookie) to a
// single worker for as long as that worker stays online.
type CookieHash struct {
	targets []*worker.Supervisor
}

// NewCookieHash returns a CookieHash strategy over targets.
func NewCookieHash(targets []*worker.Supervisor) *CookieHash {
	return &CookieHash{targets: targets}
}

// mix64 is a 64-bit finalizer (the back half of MurmurHash3's fmix64) used
// to spread a UUID's low 64 bits evenly across worker indices.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func hashUUID(id uuid.UUID) uint64 {
	lo := uint64(0)
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(id[i])
	}
	return mix64(lo)
}

func hashToIndex(id uuid.UUID, length int) int {
	return int(hashUUID(id) % uint64(length))
}

// Pick returns the worker assigned to the session id, waiting with
// exponential backoff if that worker happens to be offline right now.
func (c *CookieHash) Pick(id uuid.UUID) *worker.Supervisor {
	index := hashToIndex(id, len(c.targets))
	target := c.targets[index]

	var retries uint
	for !target.IsOnline() {
		backoff := exponentialBackoff(cookieHashBaseBackoff, cookieHashMaxBackoff, retries)
		log.Printf("[lb] session %s waiting for offline worker %d, retrying in %s", id, target.ID(), backoff)
		time.Sleep(backoff)
		retries++
	}
	return target
}
