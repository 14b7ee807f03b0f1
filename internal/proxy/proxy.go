// Package proxy implements the request pipeline: extract the client's
// identity, pick a worker, and either bridge a WebSocket upgrade or forward
// a plain HTTP request/response pair over a pooled connection.
package proxy

import (
	"bufio"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/lb"
	"github.com/ixpantia/faucet-go/internal/pool"
	"github.com/ixpantia/faucet-go/internal/telemetry"
	"github.com/ixpantia/faucet-go/internal/worker"
	"github.com/ixpantia/faucet-go/internal/wsbridge"
)

// sessionCookieName names the cookie cookie-hash load balancing uses to
// stick a client to the worker it was first assigned.
const sessionCookieName = "faucet_session"

// Handler is the terminal HTTP handler for a faucet-go server: it wires the
// load balancer, the per-worker connection pools, and the telemetry sink
// into one http.Handler.
type Handler struct {
	Balancer  *lb.LoadBalancer
	Pools     map[int]*pool.Pool // keyed by worker ID
	Telemetry telemetry.Sender
}

// NewHandler builds a Handler with a bounded pool for each target.
func NewHandler(balancer *lb.LoadBalancer, targets []*worker.Supervisor, poolCapacity int, sender telemetry.Sender) *Handler {
	if sender == nil {
		sender = telemetry.NoopSender{}
	}
	pools := make(map[int]*pool.Pool, len(targets))
	for _, t := range targets {
		pools[t.ID()] = pool.New(t.Addr(), poolCapacity)
	}
	return &Handler{Balancer: balancer, Pools: pools, Telemetry: sender}
}

// ServeHTTP implements the AddState -> Log -> Proxy pipeline in a single
// pass: extract identity, pick a worker, forward or bridge, then log.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	clientAddr := clientIPFromRemoteAddr(req.RemoteAddr)
	ip, err := h.Balancer.Extractor().Extract(req, clientAddr)
	if err != nil {
		log.Printf("[proxy] error extracting IP, verify proxy headers are set correctly: %v", err)
		http.Error(w, err.Error(), ferror.StatusCode(err))
		return
	}

	sessionID, setCookie := sessionIDFor(req, h.Balancer.NeedsSession())
	target := h.Balancer.Pick(ip, sessionID)
	if setCookie {
		http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: sessionID.String(), Path: "/"})
	}

	if wsbridge.IsUpgradeRequest(req) {
		if err := wsbridge.Bridge(w, req, target.Addr()); err != nil {
			log.Printf("[proxy] websocket bridge to worker %d failed: %v", target.ID(), err)
			http.Error(w, err.Error(), ferror.StatusCode(err))
			return
		}
		h.Telemetry.SendHTTPEvent(telemetry.HTTPEvent{
			Timestamp: start, WorkerID: target.ID(), ClientIP: ip,
			Method: req.Method, Path: req.URL.Path, Status: http.StatusSwitchingProtocols,
			Elapsed: time.Since(start),
		})
		return
	}

	status, err := h.forward(w, req, target)
	if err != nil {
		log.Printf("[proxy] worker %d: %v", target.ID(), err)
		http.Error(w, err.Error(), ferror.StatusCode(err))
		return
	}

	log.Printf("%s \"%s %s %s\" %d %q %dms", ip, req.Method, req.URL.Path, req.Proto,
		status, req.UserAgent(), time.Since(start).Milliseconds())
	h.Telemetry.SendHTTPEvent(telemetry.HTTPEvent{
		Timestamp: start, WorkerID: target.ID(), ClientIP: ip,
		Method: req.Method, Path: req.URL.Path, Status: status, Elapsed: time.Since(start),
	})
}

// forward acquires a pooled connection to target, writes req over it by
// hand, and streams the worker's response back to w. It returns the status
// code of the response actually sent.
func (h *Handler) forward(w http.ResponseWriter, req *http.Request, target *worker.Supervisor) (int, error) {
	p, ok := h.Pools[target.ID()]
	if !ok {
		return 0, ferror.Wrap(ferror.ErrUpstream, "no connection pool for worker %d", target.ID())
	}

	leased, err := p.Acquire(req.Context())
	if err != nil {
		return 0, err
	}

	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	outReq.URL.Scheme = "http"
	outReq.URL.Host = target.Addr()
	if _, ok := outReq.Header["User-Agent"]; !ok {
		outReq.Header.Set("User-Agent", "")
	}

	conn := leased.Conn()
	if err := outReq.Write(conn); err != nil {
		leased.Drop()
		return 0, ferror.Wrap(ferror.ErrUpstream, "write request to worker: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, outReq)
	if err != nil {
		leased.Drop()
		return 0, ferror.Wrap(ferror.ErrUpstream, "read response from worker: %v", err)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, copyErr := io.Copy(w, resp.Body)
	resp.Body.Close()

	if copyErr != nil || resp.Close {
		leased.Drop()
	} else {
		leased.Release()
	}
	return resp.StatusCode, nil
}

// hopByHopHeaders are connection-specific per RFC 7230 section 6.1 and must
// never be forwarded by an intermediary.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and any
// extra header a Connection value names for removal.
func copyHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			skip[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}
	for k, values := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// sessionIDFor returns the session UUID to key cookie-hash balancing on,
// reading it from an existing cookie when present and minting a fresh v7
// UUID (and asking the caller to set it) otherwise. When the active
// strategy doesn't need a session, it returns the zero UUID unused.
func sessionIDFor(req *http.Request, needsSession bool) (uuid.UUID, bool) {
	if !needsSession {
		return uuid.UUID{}, false
	}
	if c, err := req.Cookie(sessionCookieName); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id, false
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id, true
}

func clientIPFromRemoteAddr(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// Close tears down the telemetry sink. Per-worker pools close their
// connections lazily as leases are dropped.
func (h *Handler) Close() {
	h.Telemetry.Close()
}
