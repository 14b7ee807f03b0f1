// Package server assembles workers, a connection pool per worker, a load
// balancer, and the proxy pipeline into one running faucet-go server, and
// drives its accept loop and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/ixpantia/faucet-go/internal/config"
	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/lb"
	"github.com/ixpantia/faucet-go/internal/metrics"
	"github.com/ixpantia/faucet-go/internal/pool"
	"github.com/ixpantia/faucet-go/internal/ports"
	"github.com/ixpantia/faucet-go/internal/proxy"
	"github.com/ixpantia/faucet-go/internal/state"
	"github.com/ixpantia/faucet-go/internal/telemetry"
	"github.com/ixpantia/faucet-go/internal/worker"
	"github.com/ixpantia/faucet-go/internal/workertype"
)

// Config carries everything needed to build and run one faucet-go server:
// a worker fleet sharing one WorkerType/Strategy, bound to one address.
// Router mode builds one Config per route and runs them behind a shared
// listener instead of each owning its own.
type Config struct {
	Bind      string
	Workers   int
	Strategy  lb.Strategy
	Type      workertype.Type
	Options   workertype.Options
	Extractor lb.IPExtractor

	PoolCapacity int // 0 uses pool.DefaultCapacity

	Metrics   *metrics.Registry // nil disables metrics updates
	Telemetry telemetry.Sender  // nil uses telemetry.NoopSender
}

// Server is a running (or ready-to-run) faucet-go instance: a worker fleet
// plus the HTTP handler in front of it.
type Server struct {
	cfg      Config
	workers  []*worker.Supervisor
	balancer *lb.LoadBalancer
	handler  *proxy.Handler
}

// Spawn allocates ports and starts the worker fleet described by cfg,
// builds its load balancer, and returns a Server ready to serve HTTP.
// ctx governs the lifetime of every worker's supervise loop and the load
// balancer's background RPS accounting.
func Spawn(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Workers <= 0 {
		return nil, ferror.Wrap(ferror.ErrMissingArgument, "workers must be greater than 0")
	}

	allocator := ports.NewAllocator()
	assignedPorts, err := allocator.ReserveN(cfg.Workers, 200)
	if err != nil {
		return nil, err
	}

	workers := make([]*worker.Supervisor, cfg.Workers)
	for i, port := range assignedPorts {
		id := i + 1
		sup := worker.New(worker.Config{
			ID:      id,
			Port:    port,
			Type:    cfg.Type,
			Options: cfg.Options,
		})
		workers[i] = sup
		go sup.Run(ctx)
	}

	if err := waitForFirstOnline(ctx, workers); err != nil {
		return nil, err
	}

	balancer, err := lb.New(ctx, cfg.Strategy, cfg.Extractor, workers)
	if err != nil {
		return nil, err
	}

	capacity := cfg.PoolCapacity
	if capacity <= 0 {
		capacity = pool.DefaultCapacity
	}
	sender := cfg.Telemetry
	if sender == nil {
		sender = telemetry.NoopSender{}
	}
	handler := proxy.NewHandler(balancer, workers, capacity, sender)

	if cfg.Metrics != nil {
		go reportMetrics(ctx, cfg.Metrics, workers)
	}

	return &Server{cfg: cfg, workers: workers, balancer: balancer, handler: handler}, nil
}

// waitForFirstOnline blocks until at least one worker in the fleet reports
// online, or ctx is canceled, so the accept loop never starts routing to an
// empty fleet.
func waitForFirstOnline(ctx context.Context, workers []*worker.Supervisor) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, w := range workers {
			if w.IsOnline() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ferror.Wrap(ferror.ErrUpstream, "no worker came online before shutdown")
		case <-ticker.C:
		}
	}
}

func reportMetrics(ctx context.Context, reg *metrics.Registry, workers []*worker.Supervisor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.InFlight.Set(float64(state.CurrentConnections()))
			for _, w := range workers {
				reg.WorkerRestarts.WithLabelValues(fmt.Sprint(w.ID())).Set(float64(w.Restarts()))
			}
		}
	}
}

// Handler returns the server's HTTP handler, for embedding behind a
// router-mode listener that multiplexes several servers on one port.
func (s *Server) Handler() http.Handler { return s.handler }

// Workers returns the supervised worker fleet.
func (s *Server) Workers() []*worker.Supervisor { return s.workers }

// Close tears down the server's telemetry sink. Workers stop on their own
// once the context passed to Spawn is canceled.
func (s *Server) Close() { s.handler.Close() }

// Run binds cfg.Bind and serves HTTP until shutdown signals or ctx is
// canceled, then waits for in-flight connections to drain.
func (s *Server) Run(ctx context.Context, shutdown *state.ShutdownSignal) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Bind, err)
	}
	log.Printf("[server] listening on http://%s", s.cfg.Bind)

	var handler http.Handler = s.handler
	if s.cfg.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
		mux.Handle("/", s.handler)
		handler = mux
	}

	httpServer := &http.Server{Handler: handler}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case <-shutdown.Done():
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	s.Close()
	return nil
}

// BuildFromStartConfig wires a config.StartConfig into a server.Config.
func BuildFromStartConfig(c config.StartConfig) Config {
	var sender telemetry.Sender
	if c.Telemetry == "log" {
		sender = telemetry.NewLoggingSender(256)
	}
	return Config{
		Bind:      c.Host,
		Workers:   c.Workers,
		Strategy:  c.Strategy,
		Type:      c.Type,
		Extractor: c.IPFrom,
		Options: workertype.Options{
			Type:    c.Type,
			Rscript: c.Rscript,
			Quarto:  c.Quarto,
			Dir:     c.Dir,
			AppDir:  c.AppDir,
			Qmd:     c.Qmd,
		},
		Telemetry: sender,
	}
}
