// Package lb implements faucet-go's load-balancing strategies: picking
// which worker a request should be forwarded to, and extracting the
// client identity a strategy keys off of.
package lb

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/ixpantia/faucet-go/internal/worker"
)

// Strategy names the load-balancing algorithm to use.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyIPHash
	StrategyCookieHash
	StrategyRPS
	StrategyRPSAutoscale
)

// ParseStrategy converts a CLI/env string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin", "round-robin", "":
		return StrategyRoundRobin, nil
	case "ip_hash", "ip-hash":
		return StrategyIPHash, nil
	case "cookie_hash", "cookie-hash":
		return StrategyCookieHash, nil
	case "rps":
		return StrategyRPS, nil
	case "rps_autoscale", "rps-autoscale":
		return StrategyRPSAutoscale, nil
	default:
		return StrategyRoundRobin, fmt.Errorf("invalid strategy %q", s)
	}
}

// usesSession reports whether a strategy keys off a cookie-issued session
// UUID rather than the client's IP address.
func (s Strategy) usesSession() bool {
	return s == StrategyCookieHash
}

// LoadBalancer dispatches requests to a worker according to its configured
// Strategy, after extracting the client's identity with its IPExtractor.
type LoadBalancer struct {
	strategy  Strategy
	extractor IPExtractor

	roundRobin *RoundRobin
	ipHash     *IPHash
	cookieHash *CookieHash
	rps        *RoundRobinRPS
}

// New builds a LoadBalancer for strategy over targets. ctx governs the
// background window-accounting goroutine the RPS strategies run; it should
// be the server's top-level lifetime context.
func New(ctx context.Context, strategy Strategy, extractor IPExtractor, targets []*worker.Supervisor) (*LoadBalancer, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("load balancer requires at least one worker target")
	}

	lbalancer := &LoadBalancer{strategy: strategy, extractor: extractor}
	switch strategy {
	case StrategyRoundRobin:
		lbalancer.roundRobin = NewRoundRobin(targets)
	case StrategyIPHash:
		lbalancer.ipHash = NewIPHash(targets)
	case StrategyCookieHash:
		lbalancer.cookieHash = NewCookieHash(targets)
	case StrategyRPS:
		lbalancer.rps = NewRoundRobinRPS(ctx, targets, false)
	case StrategyRPSAutoscale:
		lbalancer.rps = NewRoundRobinRPS(ctx, targets, true)
	default:
		return nil, fmt.Errorf("unknown strategy %v", strategy)
	}
	return lbalancer, nil
}

// Strategy reports which algorithm this LoadBalancer is running.
func (l *LoadBalancer) Strategy() Strategy { return l.strategy }

// NeedsSession reports whether the active strategy keys off a session
// cookie rather than the client IP, so callers know whether to issue one.
func (l *LoadBalancer) NeedsSession() bool { return l.strategy.usesSession() }

// Pick returns the worker that should serve a request identified either by
// ip (for IP-keyed strategies) or sessionID (for cookie-keyed strategies).
// At most one of the two is consulted, matching the active strategy; the
// round-robin and RPS strategies consult neither.
func (l *LoadBalancer) Pick(ip net.IP, sessionID uuid.UUID) *worker.Supervisor {
	switch l.strategy {
	case StrategyRoundRobin:
		return l.roundRobin.Pick()
	case StrategyIPHash:
		return l.ipHash.Pick(ip)
	case StrategyCookieHash:
		return l.cookieHash.Pick(sessionID)
	case StrategyRPS, StrategyRPSAutoscale:
		return l.rps.Pick()
	default:
		panic("unreachable: unknown strategy")
	}
}

// Extractor returns the configured IP extraction mode.
func (l *LoadBalancer) Extractor() IPExtractor { return l.extractor }
