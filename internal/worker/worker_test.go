package worker

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ixpantia/faucet-go/internal/workertype"
)

// Command normally builds an Rscript -e invocation; for tests the Rscript
// path is replaced with sh, so no R installation is needed. sh treats the
// R expression as a script file name that does not exist, so each spawned
// process exits right away.
func newTestSupervisor(t *testing.T, port int) *Supervisor {
	t.Helper()
	cfg := Config{
		ID:   1,
		Port: port,
		Type: workertype.Plumber,
		Options: workertype.Options{
			Type:    workertype.Plumber,
			Rscript: "sh",
		},
	}
	return New(cfg)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSupervisorAddr(t *testing.T) {
	s := New(Config{ID: 3, Port: 9999})
	if s.Addr() != "127.0.0.1:9999" {
		t.Fatalf("Addr() = %q", s.Addr())
	}
	if s.ID() != 3 {
		t.Fatalf("ID() = %d", s.ID())
	}
	if s.Status() != Starting {
		t.Fatalf("fresh supervisor status = %v, want Starting", s.Status())
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Starting: "starting",
		Probing:  "probing",
		Online:   "online",
		Exited:   "exited",
		Status(99): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

// TestRequestStopBeforeRunDoesNotDeadlock exercises the cancelMu handshake:
// RequestStop must not block forever if called concurrently with the very
// start of Run.
func TestRequestStopBeforeRunDoesNotDeadlock(t *testing.T) {
	port := freePort(t)
	s := newTestSupervisor(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	done := make(chan struct{})
	go func() {
		s.RequestStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RequestStop deadlocked")
	}
}

// TestWaitForWakeBlocksUntilSpawnRequested exercises the idle-stop lazy
// wakeup path directly: a supervisor parked in waitForWake must not return
// until RequestSpawn is called.
func TestWaitForWakeBlocksUntilSpawnRequested(t *testing.T) {
	s := New(Config{ID: 1, Port: 9999})

	done := make(chan bool, 1)
	go func() { done <- s.waitForWake(context.Background()) }()

	select {
	case <-done:
		t.Fatal("waitForWake returned before RequestSpawn was called")
	case <-time.After(50 * time.Millisecond):
	}

	s.RequestSpawn()

	select {
	case woke := <-done:
		if !woke {
			t.Fatal("waitForWake returned false after RequestSpawn, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForWake did not return after RequestSpawn")
	}
}

// TestWaitForWakeReturnsFalseOnContextCancellation covers final shutdown:
// an idle supervisor whose context is canceled must not respawn.
func TestWaitForWakeReturnsFalseOnContextCancellation(t *testing.T) {
	s := New(Config{ID: 1, Port: 9999})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- s.waitForWake(ctx) }()
	cancel()

	select {
	case woke := <-done:
		if woke {
			t.Fatal("waitForWake returned true after context cancellation, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForWake did not return after context cancellation")
	}
}

// TestRequestSpawnIsIdempotentWhenAlreadyPending ensures a second wakeup
// request doesn't block just because the first one hasn't been read yet.
func TestRequestSpawnIsIdempotentWhenAlreadyPending(t *testing.T) {
	s := New(Config{ID: 1, Port: 9999})
	done := make(chan struct{})
	go func() {
		s.RequestSpawn()
		s.RequestSpawn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestSpawn blocked on a second call with a pending wakeup")
	}
}

func TestCheckOnlineDetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	addr := ln.Addr().String()
	if !checkOnline(addr) {
		t.Fatalf("checkOnline(%s) = false, want true", addr)
	}
}

func TestCheckOnlineRejectsClosedPort(t *testing.T) {
	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if checkOnline(addr) {
		t.Fatalf("checkOnline(%s) = true for a port nothing is listening on", addr)
	}
}

func TestTrimNewline(t *testing.T) {
	cases := map[string]string{
		"hello\n":   "hello",
		"hello\r\n": "hello",
		"hello":     "hello",
		"":          "",
	}
	for in, want := range cases {
		if got := trimNewline(in); got != want {
			t.Errorf("trimNewline(%q) = %q, want %q", in, got, want)
		}
	}
}
