package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startServer serves a temp dir holding files on a loopback listener and
// shuts the server down when the test ends.
func startServer(t *testing.T, files map[string]string, opts ...Option) (*Server, string) {
	t.Helper()
	rootDir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(rootDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	opts = append([]Option{
		WithRootDir(rootDir),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	s, err := NewServer("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Logf("Shutdown failed: %v", err)
		}
		if err := <-done; err != ErrServerClosed {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	})
	return s, ln.Addr().String()
}

// rawConn is a bare control connection for exercising exact wire behavior.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawConn) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

// reply reads one reply line and checks its code.
func (c *rawConn) reply(code int) string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading reply (want %d): %v", code, err)
	}
	if !strings.HasSuffix(line, "\r\n") {
		c.t.Errorf("reply %q not CRLF terminated", line)
	}
	line = strings.TrimSuffix(line, "\r\n")
	if want := fmt.Sprintf("%d ", code); !strings.HasPrefix(line, want) {
		c.t.Fatalf("got reply %q, want code %d", line, code)
	}
	return line
}

func (c *rawConn) cmd(line string, code int) string {
	c.t.Helper()
	c.send(line)
	return c.reply(code)
}

func (c *rawConn) login() {
	c.t.Helper()
	c.reply(220)
	c.cmd("USER anonymous", 331)
	c.cmd("PASS guest@", 230)
}

// expectClosed asserts the server closed the connection.
func (c *rawConn) expectClosed() {
	c.t.Helper()
	if line, err := c.r.ReadString('\n'); err == nil {
		c.t.Errorf("expected connection close, got %q", line)
	}
}

// portArg encodes a loopback listener address as a PORT argument.
func portArg(t *testing.T, addr net.Addr) string {
	t.Helper()
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		t.Fatalf("not a TCP address: %v", addr)
	}
	ip := tcp.IP.To4()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], tcp.Port/256, tcp.Port%256)
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr()
	ln.Close()
	return addr
}
