package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/ixpantia/faucet-go/internal/lb"
	"github.com/ixpantia/faucet-go/internal/telemetry"
	"github.com/ixpantia/faucet-go/internal/worker"
)

// startFakeWorker spins up a real TCP listener that behaves like an R
// worker: it reads one HTTP request at a time off the connection and writes
// back whatever respond produces, looping to serve further requests over the
// same kept-alive connection.
func startFakeWorker(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					rec := httptest.NewRecorder()
					respond(rec, req)
					resp := rec.Result()
					if err := resp.Write(conn); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

type captureSender struct {
	mu     sync.Mutex
	events []telemetry.HTTPEvent
}

func (c *captureSender) SendHTTPEvent(e telemetry.HTTPEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSender) Close() {}

func (c *captureSender) snapshot() []telemetry.HTTPEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telemetry.HTTPEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestHandler(t *testing.T, port int, sender telemetry.Sender) *Handler {
	t.Helper()
	sup := worker.New(worker.Config{ID: 1, Port: port})
	balancer, err := lb.New(context.Background(), lb.StrategyRoundRobin, lb.ClientAddr, []*worker.Supervisor{sup})
	if err != nil {
		t.Fatalf("lb.New: %v", err)
	}
	return NewHandler(balancer, []*worker.Supervisor{sup}, 4, sender)
}

func TestServeHTTPForwardsAndRecordsTelemetry(t *testing.T) {
	port := startFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Worker", "1")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "hello from worker, path=%s", r.URL.Path)
	})

	sender := &captureSender{}
	h := newTestHandler(t, port, sender)

	req := httptest.NewRequest(http.MethodGet, "/greet", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("X-Worker"); got != "1" {
		t.Fatalf("X-Worker header = %q, want 1", got)
	}
	if want := "hello from worker, path=/greet"; rr.Body.String() != want {
		t.Fatalf("body = %q, want %q", rr.Body.String(), want)
	}

	events := sender.snapshot()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Status != http.StatusOK || events[0].Path != "/greet" || events[0].WorkerID != 1 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	port := startFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Custom", "keep-me")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "body")
	})

	h := newTestHandler(t, port, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	for _, name := range []string{"Connection", "Keep-Alive"} {
		if got := rr.Header().Get(name); got != "" {
			t.Errorf("hop-by-hop header %s leaked into the client response: %q", name, got)
		}
	}
	if got := rr.Header().Get("X-Custom"); got != "keep-me" {
		t.Errorf("X-Custom = %q, want %q (non-hop-by-hop headers must still pass through)", got, "keep-me")
	}
}

func TestServeHTTPRejectsMissingClientAddrHeader(t *testing.T) {
	port := startFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	sup := worker.New(worker.Config{ID: 1, Port: port})
	balancer, err := lb.New(context.Background(), lb.StrategyRoundRobin, lb.XForwardedFor, []*worker.Supervisor{sup})
	if err != nil {
		t.Fatalf("lb.New: %v", err)
	}
	h := NewHandler(balancer, []*worker.Supervisor{sup}, 4, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil) // no X-Forwarded-For set
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing X-Forwarded-For header", rr.Code)
	}
}

func TestNewHandlerDefaultsNilSenderToNoop(t *testing.T) {
	port := startFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := newTestHandler(t, port, nil)
	if _, ok := h.Telemetry.(telemetry.NoopSender); !ok {
		t.Fatalf("Telemetry = %T, want telemetry.NoopSender", h.Telemetry)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	h.Close()
}
