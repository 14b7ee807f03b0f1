package lb

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/ixpantia/faucet-go/internal/worker"
)

// RPSThreshold is the requests-per-second ceiling above which
// RoundRobinRPS starts skipping a target in favor of the next one.
const RPSThreshold = 3.0

// RPSWindow is how often RoundRobinRPS rolls the current window's request
// count into "previous window RPS".
const RPSWindow = 500 * time.Millisecond

// AutoscaleBigResetWindow is how often the autoscale variant re-evaluates
// whether a target has been fully idle and should be asked to stop.
const AutoscaleBigResetWindow = 30 * time.Second

const rpsRetryDelay = 500 * time.Millisecond

// requestCounter tracks a fixed-point (ticks-of-0.01-requests) count of
// requests in the current window and the RPS measured in the previous one.
// Using integer ticks instead of a float bit-cast behind an atomic avoids
// torn reads/writes that a naive atomic float wrapper would risk.
type requestCounter struct {
	currentWindowTicks  atomic.Int64
	previousWindowTicks atomic.Int64

	// bigResetTicks accumulates every request since the last autoscale
	// evaluation window, used by the autoscale variant's idle-stop check.
	bigResetTicks atomic.Int64
}

const tickScale = 100 // fixed-point scale: 1 request = 100 ticks

func (c *requestCounter) add(n int64) {
	c.currentWindowTicks.Add(n * tickScale)
	c.bigResetTicks.Add(n * tickScale)
}

func (c *requestCounter) rollWindow() {
	cur := c.currentWindowTicks.Swap(0)
	c.previousWindowTicks.Store(cur)
}

func (c *requestCounter) rps(window time.Duration) float64 {
	ticks := c.previousWindowTicks.Load()
	return float64(ticks) / tickScale / window.Seconds()
}

func (c *requestCounter) resetBigReset() int64 {
	return c.bigResetTicks.Swap(0)
}

// RoundRobinRPS is round-robin load balancing that skips targets whose
// measured requests-per-second exceeds RPSThreshold, spilling traffic onto
// the next target instead. When autoscale is enabled it additionally
// requests that a worker which saw zero traffic for AutoscaleBigResetWindow
// stop itself, so idle fleets can shrink back down.
type RoundRobinRPS struct {
	targets   []*worker.Supervisor
	counters  []*requestCounter
	index     atomic.Uint64
	autoscale bool
}

// NewRoundRobinRPS returns a RoundRobinRPS strategy over targets.
// If autoscale is true, idle targets are asked to stop via RequestStop.
func NewRoundRobinRPS(ctx context.Context, targets []*worker.Supervisor, autoscale bool) *RoundRobinRPS {
	r := &RoundRobinRPS{
		targets:   targets,
		counters:  make([]*requestCounter, len(targets)),
		autoscale: autoscale,
	}
	for i := range r.counters {
		r.counters[i] = &requestCounter{}
	}
	go r.runWindowLoop(ctx)
	return r
}

func (r *RoundRobinRPS) runWindowLoop(ctx context.Context) {
	ticker := time.NewTicker(RPSWindow)
	defer ticker.Stop()

	var sinceBigReset time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sinceBigReset += RPSWindow
		bigReset := r.autoscale && sinceBigReset >= AutoscaleBigResetWindow
		if bigReset {
			sinceBigReset = 0
		}

		for i, c := range r.counters {
			c.rollWindow()
			if c.rps(RPSWindow) > RPSThreshold {
				log.Printf("[lb] worker %d is overloaded (%.1f req/s)", r.targets[i].ID(), c.rps(RPSWindow))
			}
			if bigReset {
				total := c.resetBigReset()
				if total == 0 {
					log.Printf("[lb] worker %d idle for %s, requesting stop", r.targets[i].ID(), AutoscaleBigResetWindow)
					r.targets[i].RequestStop()
				}
			}
		}
	}
}

func (r *RoundRobinRPS) get(index int) (*worker.Supervisor, *requestCounter) {
	i := index % len(r.targets)
	return r.targets[i], r.counters[i]
}

// Pick returns the next online, non-overloaded worker in rotation, spawning
// one more lap if every target is currently overloaded or offline.
func (r *RoundRobinRPS) Pick() *worker.Supervisor {
	index := int(r.index.Load())
	useNextOnline := false
	firstRound := true

	for {
		target, counter := r.get(index)

		if counter.rps(RPSWindow) > RPSThreshold && !useNextOnline {
			index++
			if index >= len(r.targets) {
				index = 0
				r.index.Add(1)
				useNextOnline = true
			}
			continue
		}

		if target.IsOnline() {
			counter.add(1)
			return target
		}

		// The selection landed on an idle slot (most likely one the
		// autoscale big-reset stopped); wake it up lazily rather than
		// leaving it stopped forever. A no-op if it's already spawning.
		target.RequestSpawn()

		if !firstRound {
			for i := 0; i < 1000; i++ {
				time.Sleep(rpsRetryDelay)
				if target.IsOnline() {
					counter.add(1)
					return target
				}
			}
		}

		if index >= len(r.targets) {
			index = 0
			firstRound = false
			continue
		}
		index++
	}
}
