// Package config resolves faucet-go's CLI flags, environment variables, and
// (for router mode) TOML configuration into the structs the rest of the
// program runs on.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/lb"
	"github.com/ixpantia/faucet-go/internal/workertype"
)

// envPrefix namespaces every environment variable binding, e.g.
// FAUCET_HOST, FAUCET_STRATEGY, FAUCET_WORKERS.
const envPrefix = "FAUCET"

// StartConfig is the fully-resolved configuration for `faucet start`.
type StartConfig struct {
	Host      string
	Workers   int
	Strategy  lb.Strategy
	Type      workertype.Type
	Dir       string
	IPFrom    lb.IPExtractor
	Rscript   string
	Quarto    string
	AppDir    string
	Qmd       string
	LogFile   string
	Telemetry string
}

// RouterConfig is the fully-resolved configuration for `faucet router`.
type RouterConfig struct {
	Host    string
	IPFrom  lb.IPExtractor
	Rscript string
	Quarto  string
	LogFile string
	Conf    string
}

// BindStartFlags registers every `start` flag (and its FAUCET_* env
// binding) onto fs, returning the viper instance flags were bound through.
func BindStartFlags(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.StringP("host", "", "127.0.0.1:3838", "the host to bind to")
	fs.IntP("workers", "w", 0, "number of worker processes to spawn (default: number of logical CPUs)")
	fs.StringP("strategy", "s", "round-robin", "load balancing strategy: round-robin, ip-hash, cookie-hash, rps, rps-autoscale")
	fs.StringP("type", "t", "auto", "worker type: plumber, shiny, quarto-shiny, auto")
	fs.StringP("dir", "d", ".", "directory to spawn workers in")
	fs.StringP("ip-from", "i", "client", "client IP extraction mode: client, x-forwarded-for, x-real-ip")
	fs.StringP("rscript", "r", "Rscript", "path to the Rscript executable")
	fs.String("quarto", "quarto", "path to the quarto executable")
	fs.StringP("app-dir", "a", "", "appDir argument passed to shiny::runApp")
	fs.StringP("qmd", "q", "", "quarto shiny .qmd file path")
	fs.StringP("log-file", "l", "", "write logs to this file instead of stderr")
	fs.String("telemetry", "", "telemetry sink: none, log")

	bindAll(v, fs)
	return v
}

// BindRouterFlags registers every `router` flag and its env binding.
func BindRouterFlags(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.StringP("host", "", "127.0.0.1:3838", "the host to bind to")
	fs.StringP("ip-from", "i", "client", "client IP extraction mode: client, x-forwarded-for, x-real-ip")
	fs.StringP("rscript", "r", "Rscript", "path to the Rscript executable")
	fs.String("quarto", "quarto", "path to the quarto executable")
	fs.StringP("log-file", "l", "", "write logs to this file instead of stderr")
	fs.StringP("conf", "c", "./frouter.toml", "router config file")

	bindAll(v, fs)
	return v
}

func bindAll(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

// ResolveStart builds a StartConfig from bound flags/env, defaulting
// --workers to the number of logical CPUs and resolving an "auto" worker
// type by probing --dir for known entrypoint files.
func ResolveStart(v *viper.Viper, numCPU int) (StartConfig, error) {
	cfg := StartConfig{
		Host:      v.GetString("host"),
		Workers:   v.GetInt("workers"),
		Dir:       v.GetString("dir"),
		Rscript:   v.GetString("rscript"),
		Quarto:    v.GetString("quarto"),
		AppDir:    v.GetString("app-dir"),
		Qmd:       v.GetString("qmd"),
		LogFile:   v.GetString("log-file"),
		Telemetry: v.GetString("telemetry"),
	}
	if cfg.Workers <= 0 {
		cfg.Workers = numCPU
	}

	strategy, err := lb.ParseStrategy(v.GetString("strategy"))
	if err != nil {
		return cfg, err
	}
	cfg.Strategy = strategy

	ipFrom, err := lb.ParseIPExtractor(v.GetString("ip-from"))
	if err != nil {
		return cfg, err
	}
	cfg.IPFrom = ipFrom

	workerType, err := workertype.ParseType(v.GetString("type"))
	if err != nil {
		return cfg, err
	}
	if workerType == workertype.Auto {
		workerType, err = workertype.Detect(cfg.Dir)
		if err != nil {
			return cfg, ferror.Wrap(ferror.ErrMissingArgument, "%v", err)
		}
	}
	cfg.Type = workerType
	cfg.Strategy = defaultStrategyForType(workerType, v.IsSet("strategy"), strategy)

	return cfg, nil
}

// defaultStrategyForType mirrors the original's per-worker-type strategy
// steering: Shiny and Quarto Shiny apps carry server-side session state a
// worker-agnostic strategy would break, so anything other than an explicit
// cookie-hash choice is coerced to IP-hash for them.
func defaultStrategyForType(t workertype.Type, userSet bool, requested lb.Strategy) lb.Strategy {
	if t == workertype.Plumber {
		if !userSet {
			return lb.StrategyRoundRobin
		}
		return requested
	}
	// Shiny or QuartoShiny.
	if !userSet {
		return lb.StrategyIPHash
	}
	switch requested {
	case lb.StrategyCookieHash, lb.StrategyIPHash:
		return requested
	default:
		return lb.StrategyIPHash
	}
}

// ResolveRouter builds a RouterConfig from bound flags/env.
func ResolveRouter(v *viper.Viper) (RouterConfig, error) {
	cfg := RouterConfig{
		Host:    v.GetString("host"),
		Rscript: v.GetString("rscript"),
		Quarto:  v.GetString("quarto"),
		LogFile: v.GetString("log-file"),
		Conf:    v.GetString("conf"),
	}
	ipFrom, err := lb.ParseIPExtractor(v.GetString("ip-from"))
	if err != nil {
		return cfg, err
	}
	cfg.IPFrom = ipFrom
	return cfg, nil
}

// OpenLogFile opens the configured log file for appending, creating it if
// necessary. Callers redirect log.SetOutput to the result.
func OpenLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
