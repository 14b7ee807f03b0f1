// Package metrics registers faucet-go's Prometheus collectors and exposes
// the handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors the server updates as it runs, backed by
// its own prometheus.Registry rather than the global default so that
// multiple Registry instances (as in tests, or a process embedding faucet-go
// more than once) never collide on collector names. Callers set
// WorkerRestarts/InFlight from observed state on a schedule; Handler exposes
// them.
type Registry struct {
	// WorkerRestarts tracks each worker's cumulative restart count. It's a
	// gauge, not a counter: the authoritative count lives on the worker
	// supervisor and is mirrored here periodically rather than incremented
	// independently, so a gauge is the honest shape.
	WorkerRestarts *prometheus.GaugeVec
	InFlight       prometheus.Gauge

	reg *prometheus.Registry
}

// New registers a fresh set of collectors under the given app name prefix
// (may be empty).
func New(appName string) *Registry {
	prefix := ""
	if appName != "" {
		prefix = appName + "_"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		WorkerRestarts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "faucet_worker_restarts_total",
			Help: "Cumulative number of worker process restarts, labeled by worker id.",
		}, []string{"worker_id"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "faucet_inflight_connections",
			Help: "Current number of in-flight HTTP/WebSocket connections.",
		}),
		reg: reg,
	}
}

// Handler returns the HTTP handler that serves this registry's collectors in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
