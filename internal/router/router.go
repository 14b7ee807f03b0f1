// Package router implements faucet-go's "router" mode: a single bind
// address fronting several independently-configured worker fleets, one per
// URL path prefix, read from a TOML configuration file.
package router

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/lb"
	"github.com/ixpantia/faucet-go/internal/server"
	"github.com/ixpantia/faucet-go/internal/workertype"
)

// RouteConfig is one [routes."/prefix"] table in the TOML file: everything
// server.Config needs for that route's worker fleet, minus the bind
// address (shared by the whole router).
type RouteConfig struct {
	Workers  int    `toml:"workers"`
	Strategy string `toml:"strategy"`
	Type     string `toml:"type"`
	Dir      string `toml:"dir"`
	IPFrom   string `toml:"ip_from"`
	Rscript  string `toml:"rscript"`
	Quarto   string `toml:"quarto"`
	AppDir   string `toml:"app_dir"`
	Qmd      string `toml:"qmd"`
}

// FileConfig is the decoded shape of a router TOML file.
type FileConfig struct {
	Bind   string                 `toml:"bind"`
	Routes map[string]RouteConfig `toml:"routes"`
}

// Load reads and decodes a router TOML file from path.
func Load(path string) (FileConfig, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("decode router config %q: %w", path, err)
	}
	if fc.Bind == "" {
		return fc, ferror.Wrap(ferror.ErrMissingArgument, "router config %q is missing top-level bind", path)
	}
	if len(fc.Routes) == 0 {
		return fc, ferror.Wrap(ferror.ErrMissingArgument, "router config %q declares no routes", path)
	}
	return fc, nil
}

// route pairs a normalized prefix with the server mounted at it, so the
// router can dispatch by longest-prefix match.
type route struct {
	prefix string
	srv    *server.Server
}

// Router dispatches requests across several servers by the longest
// registered path prefix that matches the request's URL.
type Router struct {
	routes []route // sorted by descending prefix length
}

// normalizePrefix ensures every route is compared the same way: no
// trailing slash except for the root route "/".
func normalizePrefix(p string) string {
	if p == "" {
		p = "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// New validates the given routes for duplicate normalized prefixes and builds the Router's
// dispatch table in descending-prefix-length order, so the longest match
// always wins regardless of TOML key iteration order.
func New(routers map[string]*server.Server) (*Router, error) {
	seen := make(map[string]struct{}, len(routers))
	routes := make([]route, 0, len(routers))
	for prefix, srv := range routers {
		norm := normalizePrefix(prefix)
		if _, dup := seen[norm]; dup {
			return nil, ferror.Wrap(ferror.ErrDuplicateRoute, "duplicate route %q", norm)
		}
		seen[norm] = struct{}{}
		routes = append(routes, route{prefix: norm, srv: srv})
	}
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].prefix) > len(routes[j].prefix)
	})
	return &Router{routes: routes}, nil
}

// Close tears down every route's telemetry sink.
func (r *Router) Close() {
	for _, rt := range r.routes {
		rt.srv.Close()
	}
}

// matchesPrefix reports whether path falls under the route registered at
// prefix, matching on a path-segment boundary so a route at "/foo" doesn't
// shadow a sibling path like "/foobar".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// stripPrefix removes prefix from path, leaving a well-formed absolute path
// for the sub-service to route on: "/app1/foo" under "/app1" becomes
// "/foo", and "/app1" itself becomes "/".
func stripPrefix(path, prefix string) string {
	if prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// ServeHTTP dispatches to the server registered under the longest prefix
// matching the request path, stripping that prefix and rewriting the
// request URI before handing off, so a worker behind "/app1" always sees
// paths relative to its own root rather than the router's. Responds 404 if
// no route matches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	for _, rt := range r.routes {
		if !matchesPrefix(req.URL.Path, rt.prefix) {
			continue
		}

		sub := new(http.Request)
		*sub = *req
		sub.URL = new(url.URL)
		*sub.URL = *req.URL
		sub.URL.Path = stripPrefix(req.URL.Path, rt.prefix)
		if req.URL.RawPath != "" {
			sub.URL.RawPath = stripPrefix(req.URL.RawPath, rt.prefix)
		}
		sub.RequestURI = sub.URL.RequestURI()

		rt.srv.Handler().ServeHTTP(w, sub)
		return
	}
	http.NotFound(w, req)
}

// BuildServers spawns one server.Server per route in fc, sharing nothing
// but the process itself: each gets its own worker fleet and port range.
func BuildServers(ctx context.Context, fc FileConfig, defaults RouteDefaults) (map[string]*server.Server, error) {
	out := make(map[string]*server.Server, len(fc.Routes))
	for prefix, rc := range fc.Routes {
		cfg, err := rc.resolve(defaults)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", prefix, err)
		}
		srv, err := server.Spawn(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("route %q: spawn workers: %w", prefix, err)
		}
		out[prefix] = srv
	}
	return out, nil
}

// RouteDefaults carries router-wide settings (shared Rscript/quarto paths,
// IP extraction mode) that apply to every route unless overridden.
type RouteDefaults struct {
	Rscript string
	Quarto  string
	IPFrom  lb.IPExtractor
}

func (rc RouteConfig) resolve(defaults RouteDefaults) (server.Config, error) {
	rscript := rc.Rscript
	if rscript == "" {
		rscript = orDefault(defaults.Rscript, "Rscript")
	}
	quarto := rc.Quarto
	if quarto == "" {
		quarto = orDefault(defaults.Quarto, "quarto")
	}
	dir := orDefault(rc.Dir, ".")

	wt, err := workertype.ParseType(rc.Type)
	if err != nil {
		return server.Config{}, err
	}
	if wt == workertype.Auto {
		wt, err = workertype.Detect(dir)
		if err != nil {
			return server.Config{}, ferror.Wrap(ferror.ErrMissingArgument, "%v", err)
		}
	}

	strategy, err := lb.ParseStrategy(rc.Strategy)
	if err != nil {
		return server.Config{}, err
	}

	extractor := defaults.IPFrom
	if rc.IPFrom != "" {
		extractor, err = lb.ParseIPExtractor(rc.IPFrom)
		if err != nil {
			return server.Config{}, err
		}
	}

	workers := rc.Workers
	if workers <= 0 {
		workers = 1
	}

	return server.Config{
		Workers:   workers,
		Strategy:  strategy,
		Type:      wt,
		Extractor: extractor,
		Options: workertype.Options{
			Type:    wt,
			Rscript: rscript,
			Quarto:  quarto,
			Dir:     dir,
			AppDir:  rc.AppDir,
			Qmd:     rc.Qmd,
		},
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
