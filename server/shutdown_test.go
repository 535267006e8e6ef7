package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	s, err := NewServer(":0",
		WithFS(fstest.MapFS{}),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	c := dialRaw(t, ln.Addr().String())
	c.login()
	if s.Addr() == nil {
		t.Error("Addr() = nil while serving")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve returned %v", err)
	}
	c.expectClosed()
	if s.Addr() != nil {
		t.Error("Addr() should be nil after shutdown")
	}

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(ln2); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Shutdown = %v", err)
	}
}

func TestShutdownInterruptsTransfer(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("z", 1<<20)
	s, err := NewServer(":0",
		WithFS(fstest.MapFS{"big.bin": {Data: []byte(big)}}),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithBandwidthLimit(1024),
	)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(ln)

	data, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer data.Close()

	c := dialRaw(t, ln.Addr().String())
	c.login()
	c.cmd("PORT "+portArg(t, data.Addr()), 200)
	c.cmd("RETR big.bin", 150)
	dc, err := data.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Shutdown waited %v for a throttled transfer", d)
	}
}

func TestShutdownDeadline(t *testing.T) {
	t.Parallel()
	s, err := NewServer(":0", WithFS(fstest.MapFS{}))
	if err != nil {
		t.Fatal(err)
	}
	// A session that never finishes keeps the WaitGroup busy.
	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want deadline exceeded", err)
	}
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- ListenAndServe("127.0.0.1:0", t.TempDir(), WithLogger(slog.New(slog.DiscardHandler)))
	}()

	select {
	case err := <-errChan:
		t.Fatalf("ListenAndServe failed immediately: %v", err)
	case <-time.After(200 * time.Millisecond):
		// Assume it started successfully if it hasn't returned in 200ms
	}

	if err := ListenAndServe("127.0.0.1:0", "/does/not/exist"); err == nil {
		t.Error("expected error for missing root dir")
	}
}
