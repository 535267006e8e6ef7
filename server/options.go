package server

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/gonzalop/guestftp/archive"
	"github.com/gonzalop/guestftp/internal/ratelimit"
)

// Option is a functional option for configuring a server.
type Option func(*Server) error

// WithRootDir serves files from dir. Paths are confined to dir: neither
// ".." nor symlinks can reach outside it.
//
// Example:
//
//	s, _ := server.NewServer(":2121", server.WithRootDir("/srv/ftp"))
func WithRootDir(dir string) Option {
	return func(s *Server) error {
		if s.fsys != nil {
			return fmt.Errorf("filesystem already set")
		}
		root, err := os.OpenRoot(dir)
		if err != nil {
			return fmt.Errorf("open root dir: %w", err)
		}
		s.root = root
		s.fsys = root.FS()
		return nil
	}
}

// WithFS serves files from an arbitrary fs.FS.
func WithFS(fsys fs.FS) Option {
	return func(s *Server) error {
		if s.fsys != nil {
			return fmt.Errorf("filesystem already set")
		}
		if fsys == nil {
			return fmt.Errorf("filesystem is nil")
		}
		s.fsys = fsys
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":2121",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger is nil")
		}
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the text of the 220 banner.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets how long a control connection may sit without
// sending a command before it is closed. Zero disables the timeout.
// If not specified, defaults to 5 minutes.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		if duration < 0 {
			return fmt.Errorf("negative idle time: %v", duration)
		}
		s.maxIdleTime = duration
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous sessions, in
// total and per client IP. Zero means no limit.
//
// When a limit is reached, new connections receive a 421 reply and are closed.
//
// Example:
//
//	s, _ := server.NewServer(":2121",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithMaxConnections(100, 10),
//	)
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return fmt.Errorf("negative connection limit")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithTransferTimeout bounds every RETR data transfer, from dialing the
// client to the last byte. A transfer that runs out of time fails with 425
// and the session continues. Zero means no overall bound; stalled writes
// are still caught by WithWriteTimeout.
func WithTransferTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("negative transfer timeout: %v", d)
		}
		s.transferTimeout = d
		return nil
	}
}

// WithDialTimeout bounds opening the data connection. Defaults to 10 seconds.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("dial timeout must be positive: %v", d)
		}
		s.dialTimeout = d
		return nil
	}
}

// WithWriteTimeout bounds each write on a data connection. A client that
// accepts the data connection but stops reading makes the RETR fail with
// 425 once a write has been blocked this long. Zero disables the bound.
// Defaults to 10 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("negative write timeout: %v", d)
		}
		s.writeTimeout = d
		return nil
	}
}

// WithChunkSize sets the size of each write on the data connection.
// Defaults to 1024 bytes.
func WithChunkSize(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive: %d", n)
		}
		s.chunkSize = n
		return nil
	}
}

// WithBandwidthLimit caps the combined throughput of all data connections
// in bytes per second. Zero means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		if bytesPerSecond < 0 {
			return fmt.Errorf("negative bandwidth limit: %d", bytesPerSecond)
		}
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithArchiver sets the observer notified after every completed transfer.
// Use archive.Multi to install several.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Server) error {
		if a == nil {
			a = archive.Nop
		}
		s.archiver = a
		return nil
	}
}

// WithTransferLog writes one line per RETR attempt to w, in the xferlog
// format used by wu-ftpd and vsftpd.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		if w == nil {
			s.transferLog = nil
			return nil
		}
		s.transferLog = &transferLog{w: w}
		return nil
	}
}

// WithTrafficHook installs a callback that sees every control line read
// from and written to clients. Passwords are masked before the hook runs.
func WithTrafficHook(hook TrafficHook) Option {
	return func(s *Server) error {
		s.trafficHook = hook
		return nil
	}
}

// WithMetricsCollector sets a metrics collector for the server.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithStrictPORT makes PORT reject any address other than the control
// connection's peer, which prevents FTP bounce attacks. Off by default.
func WithStrictPORT(enable bool) Option {
	return func(s *Server) error {
		s.strictPORT = enable
		return nil
	}
}
