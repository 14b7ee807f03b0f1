package wsbridge

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestComputeAccept(t *testing.T) {
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAccept() = %q, want %q", got, want)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/socket", nil)
	if IsUpgradeRequest(req) {
		t.Fatal("plain request should not be treated as an upgrade")
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	if !IsUpgradeRequest(req) {
		t.Fatal("request with Upgrade header should be detected")
	}
}

// dummyEchoServer stands in for a worker's own WebSocket endpoint: it
// accepts the upgrade and echoes back every message it receives.
func dummyEchoServer(t *testing.T) (addr string, close func()) {
	t.Helper()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	u, _ := net.ResolveTCPAddr("tcp", srv.Listener.Addr().String())
	return u.String(), srv.Close
}

func TestBridgeEchoRoundTrip(t *testing.T) {
	addr, closeSrv := dummyEchoServer(t)
	defer closeSrv()

	var bridgeErr error
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridgeErr = Bridge(w, r, addr)
	}))
	defer frontend.Close()

	wsURL := "ws://" + frontend.Listener.Addr().String() + "/echo"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial frontend: %v", err)
	}
	defer conn.Close()

	if bridgeErr != nil {
		t.Fatalf("Bridge returned error: %v", bridgeErr)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write message: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("got %q, want %q", msg, "hello")
	}
}

func TestBridgeMissingKeyIsBadRequest(t *testing.T) {
	addr, closeSrv := dummyEchoServer(t)
	defer closeSrv()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("Upgrade", "websocket")
	// Deliberately omit Sec-WebSocket-Key.

	err := Bridge(rec, req, addr)
	if err == nil {
		t.Fatal("expected an error for missing Sec-WebSocket-Key")
	}
}
