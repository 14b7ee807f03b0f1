package lb

import (
	"sync/atomic"
	"time"

	"github.com/ixpantia/faucet-go/internal/worker"
)

// retryDelay is how long RoundRobin waits before trying the next target in
// the rare case the one it drew is offline.
const retryDelay = 500 * time.Microsecond

// RoundRobin cycles through all workers in order, skipping any that are
// currently offline.
type RoundRobin struct {
	targets []*worker.Supervisor
	index   atomic.Uint64
}

// NewRoundRobin returns a RoundRobin strategy over targets.
func NewRoundRobin(targets []*worker.Supervisor) *RoundRobin {
	return &RoundRobin{targets: targets}
}

func (r *RoundRobin) next() *worker.Supervisor {
	i := r.index.Add(1) - 1
	return r.targets[i%uint64(len(r.targets))]
}

// Pick returns the next online worker in rotation.
func (r *RoundRobin) Pick() *worker.Supervisor {
	w := r.next()
	for !w.IsOnline() {
		time.Sleep(retryDelay)
		w = r.next()
	}
	return w
}
