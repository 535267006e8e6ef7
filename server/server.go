package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/guestftp/archive"
	"github.com/gonzalop/guestftp/internal/ratelimit"
)

// Server is the guest FTP server.
//
// It handles listening for incoming connections and dispatching them to
// sessions. Each control connection runs in its own goroutine and owns its
// protocol state; sessions share only the filesystem, the archiver and the
// optional bandwidth limiter.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown(); Serve then returns ErrServerClosed
//
// Basic example:
//
//	s, err := server.NewServer(":2121", server.WithRootDir("/srv/ftp"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":2121").
	addr string

	// fsys is the filesystem RETR serves from.
	fsys fs.FS

	// root backs fsys when it was opened by WithRootDir.
	root *os.Root

	// logger is the logger instance.
	logger *slog.Logger

	// welcomeMessage is the text of the 220 banner.
	welcomeMessage string

	// maxIdleTime is how long a control connection may wait for a command.
	// Defaults to 5 minutes. Zero disables the timeout.
	maxIdleTime time.Duration

	// dialTimeout bounds opening the data connection.
	dialTimeout time.Duration

	// writeTimeout bounds every single write on a data connection, so a
	// receiver that stops reading fails the transfer. Zero disables it.
	writeTimeout time.Duration

	// transferTimeout bounds a whole RETR data transfer, dial included.
	// Zero means no overall bound; writeTimeout still applies.
	transferTimeout time.Duration

	// chunkSize is the size of each write to the data connection.
	chunkSize int

	// maxConnections is the maximum number of simultaneous sessions.
	// If 0, there is no limit.
	maxConnections int

	// maxConnectionsPerIP is the maximum number of simultaneous sessions per IP.
	// If 0, there is no per-IP limit.
	maxConnectionsPerIP int

	// limiter throttles all data connections together.
	limiter *ratelimit.Limiter

	// archiver observes completed transfers.
	archiver archive.Archiver

	// transferLog receives xferlog lines.
	transferLog *transferLog

	// trafficHook sees every control line.
	trafficHook TrafficHook

	// metricsCollector is optional.
	metricsCollector MetricsCollector

	// strictPORT requires PORT addresses to match the control peer.
	strictPORT bool

	// activeConns tracks the number of currently admitted sessions.
	activeConns atomic.Int32

	// connsByIP tracks the number of admitted sessions per IP address.
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	// Shutdown handling
	baseCtx    context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	sessions   sync.WaitGroup
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// DefaultWelcomeMessage is the banner text sent when none is configured.
const DefaultWelcomeMessage = "Service ready for new user."

// NewServer creates a new server with the given address and options.
// The address should be in the form ":port" or "host:port". A filesystem
// must be provided with WithRootDir or WithFS.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - Data connection dial timeout: 10 seconds
//   - Data connection write timeout: 10 seconds
//   - Chunk size: 1024 bytes
//   - MaxConnections: 0 (unlimited)
//   - Archiver: archive.Nop
//
// With connection limits:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		logger:         slog.Default(),
		welcomeMessage: DefaultWelcomeMessage,
		maxIdleTime:    5 * time.Minute,
		dialTimeout:    10 * time.Second,
		writeTimeout:   10 * time.Second,
		chunkSize:      1024,
		archiver:       archive.Nop,
		conns:          make(map[net.Conn]struct{}),
		connsByIP:      make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			if s.root != nil {
				s.root.Close()
			}
			return nil, err
		}
	}

	if s.fsys == nil {
		return nil, fmt.Errorf("filesystem is required (use WithRootDir or WithFS)")
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ListenAndServe starts the server on the configured address.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("FTP server listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Shutdown stops the server.
//
// It closes the listener, cancels in-flight transfers and closes every
// control and data connection, then waits for the session goroutines to
// exit or for ctx to be done. Failures are combined into one error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.cancel()

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var result *multierror.Error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	for conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", conn.RemoteAddr(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	if s.root != nil {
		if err := s.root.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close root: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Serve accepts incoming connections on the listener l.
// It blocks until Shutdown is called or the listener fails.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept error", "error", err, "retry_in", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		tempDelay = 0

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the address the server is listening on, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection admits or rejects a new control connection.
func (s *Server) handleConnection(conn net.Conn) {
	if !s.trackConnection(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConnection(conn, false)

	ip := remoteIP(conn)
	if reason, msg := s.admit(ip); reason != "" {
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", reason,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, reason)
		}
		fmt.Fprintf(conn, "421 %s\r\n", msg)
		conn.Close()
		return
	}
	defer s.release(ip)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	sess := newSession(s, conn)
	sess.serve()
}

// admit reserves a session slot for ip. On rejection it returns the reason
// and the text of the 421 reply.
func (s *Server) admit(ip string) (reason, msg string) {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()

	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		return "global_limit_reached", "Too many users, sorry."
	}
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
		return "per_ip_limit_reached", "Too many connections from your IP address."
	}
	s.activeConns.Add(1)
	s.connsByIP[ip]++
	return "", ""
}

func (s *Server) release(ip string) {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()

	s.activeConns.Add(-1)
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

// trackConnection registers conn so Shutdown can close it. It returns false
// if the server is shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.inShutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// remoteIP returns the host part of the connection's peer address.
func remoteIP(conn net.Conn) string {
	remoteAddr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

// ListenAndServe serves files from rootDir on addr with default options.
func ListenAndServe(addr, rootDir string, options ...Option) error {
	s, err := NewServer(addr, append([]Option{WithRootDir(rootDir)}, options...)...)
	if err != nil {
		return err
	}
	return s.ListenAndServe()
}
