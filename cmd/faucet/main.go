// Command faucet supervises a fleet of R worker processes behind a
// reverse-proxy load balancer.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ixpantia/faucet-go/internal/config"
	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/metrics"
	"github.com/ixpantia/faucet-go/internal/router"
	"github.com/ixpantia/faucet-go/internal/server"
	"github.com/ixpantia/faucet-go/internal/state"
)

func main() {
	root := &cobra.Command{
		Use:   "faucet",
		Short: "Fast, concurrent proxy and load balancer for R web applications",
	}
	root.AddCommand(newStartCommand(), newRouterCommand())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a faucet server fronting one worker fleet",
	}
	v := config.BindStartFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ResolveStart(v, runtime.NumCPU())
		if err != nil {
			return exitOn(err)
		}
		if cfg.LogFile != "" {
			f, err := config.OpenLogFile(cfg.LogFile)
			if err != nil {
				return err
			}
			defer f.Close()
			log.SetOutput(f)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srvCfg := server.BuildFromStartConfig(cfg)
		srvCfg.Metrics = metrics.New("")

		srv, err := server.Spawn(ctx, srvCfg)
		if err != nil {
			return exitOn(err)
		}

		shutdown := state.NewShutdownSignal()
		go waitForSignal(shutdown)

		log.Printf("[faucet] spawned %d %s worker(s)", cfg.Workers, cfg.Type)
		return srv.Run(ctx, shutdown)
	}
	return cmd
}

func newRouterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Start faucet in router mode, serving several routes from one bind address",
	}
	v := config.BindRouterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ResolveRouter(v)
		if err != nil {
			return exitOn(err)
		}
		if cfg.LogFile != "" {
			f, err := config.OpenLogFile(cfg.LogFile)
			if err != nil {
				return err
			}
			defer f.Close()
			log.SetOutput(f)
		}

		fc, err := router.Load(cfg.Conf)
		if err != nil {
			return exitOn(err)
		}
		// CLI --host takes precedence over the TOML file's bind so
		// operators can override it per-deployment without editing the
		// config.
		if cfg.Host != "" {
			fc.Bind = cfg.Host
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		servers, err := router.BuildServers(ctx, fc, router.RouteDefaults{
			Rscript: cfg.Rscript,
			Quarto:  cfg.Quarto,
			IPFrom:  cfg.IPFrom,
		})
		if err != nil {
			return exitOn(err)
		}

		mux, err := router.New(servers)
		if err != nil {
			return exitOn(err)
		}

		shutdown := state.NewShutdownSignal()
		go waitForSignal(shutdown)

		log.Printf("[faucet] router mode: %d route(s) on %s", len(servers), fc.Bind)
		return runRouter(ctx, fc.Bind, mux, shutdown)
	}
	return cmd
}

// runRouter binds the shared listener and serves every route's underlying
// server.Server through mux until shutdown or ctx fires, then drains.
func runRouter(ctx context.Context, bind string, mux *router.Router, shutdown *state.ShutdownSignal) error {
	httpServer := &http.Server{Addr: bind, Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

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
	err := httpServer.Shutdown(shutdownCtx)
	mux.Close()
	return err
}

func exitOn(err error) error {
	if ferror.Fatal(err) {
		log.Printf("[faucet] fatal: %v", err)
		os.Exit(1)
	}
	return err
}

func waitForSignal(shutdown *state.ShutdownSignal) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	switch <-sigs {
	case syscall.SIGINT:
		shutdown.Graceful()
	default:
		shutdown.Immediate()
	}
}
