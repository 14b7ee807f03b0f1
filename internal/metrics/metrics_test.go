package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersDistinctCollectors(t *testing.T) {
	reg := New("")
	reg.InFlight.Set(3)
	reg.WorkerRestarts.WithLabelValues("1").Set(2)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	reg.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "faucet_inflight_connections 3") {
		t.Errorf("expected inflight gauge in exposition output, got:\n%s", body)
	}
	if !strings.Contains(body, `faucet_worker_restarts_total{worker_id="1"} 2`) {
		t.Errorf("expected worker restarts gauge in exposition output, got:\n%s", body)
	}
}

func TestNewAppliesNamePrefix(t *testing.T) {
	reg := New("myapp")
	reg.InFlight.Set(1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	reg.Handler().ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), "myapp_faucet_inflight_connections") {
		t.Errorf("expected app name prefix on metric name, got:\n%s", rr.Body.String())
	}
}
