// Command guestftpd serves a directory to FTP guests over active-mode
// transfers.
//
// Usage:
//
//	guestftpd -root DIR [-addr :2121] [-archive DIR] [-journal FILE] ...
//	guestftpd -list-journal FILE [-session ID] [-limit N]
//	guestftpd -fetch HOST:PORT -get PATH [-out FILE]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/guestftp/archive"
	"github.com/gonzalop/guestftp/server"
)

type config struct {
	addr            string
	root            string
	archiveDir      string
	journal         string
	transcript      bool
	xferlog         string
	maxConns        int
	maxConnsPerIP   int
	idle            time.Duration
	transferTimeout time.Duration
	writeTimeout    time.Duration
	bandwidth       int64
	strictPort      bool
	debug           bool

	listJournal string
	listLimit   int
	listSession string

	fetch string
	get   string
	out   string
	user  string
	pass  string
}

func parseFlags(args []string, stderr io.Writer) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("guestftpd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.addr, "addr", ":2121", "address to listen on")
	fs.StringVar(&cfg.root, "root", "", "directory to serve (required to serve)")
	fs.StringVar(&cfg.archiveDir, "archive", "", "copy every retrieved file below this directory")
	fs.StringVar(&cfg.journal, "journal", "", "record every transfer in this SQLite database")
	fs.BoolVar(&cfg.transcript, "transcript", false, "print a colored transcript of all control traffic")
	fs.StringVar(&cfg.xferlog, "xferlog", "", "append xferlog lines to this file")
	fs.IntVar(&cfg.maxConns, "max-conns", 0, "maximum simultaneous sessions (0 = unlimited)")
	fs.IntVar(&cfg.maxConnsPerIP, "max-conns-per-ip", 0, "maximum simultaneous sessions per client IP (0 = unlimited)")
	fs.DurationVar(&cfg.idle, "idle", 5*time.Minute, "close control connections idle for this long (0 = never)")
	fs.DurationVar(&cfg.transferTimeout, "transfer-timeout", 0, "bound on each data transfer (0 = none)")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", 10*time.Second, "fail a transfer when one data write stalls this long (0 = never)")
	fs.Int64Var(&cfg.bandwidth, "bandwidth", 0, "combined data rate limit in bytes per second (0 = unlimited)")
	fs.BoolVar(&cfg.strictPort, "strict-port", false, "only allow PORT addresses equal to the client's IP")
	fs.BoolVar(&cfg.debug, "debug", false, "enable debug logging")

	fs.StringVar(&cfg.listJournal, "list-journal", "", "print the transfers recorded in this journal and exit")
	fs.IntVar(&cfg.listLimit, "limit", 0, "with -list-journal, show at most this many rows")
	fs.StringVar(&cfg.listSession, "session", "", "with -list-journal, show only this session's transfers")

	fs.StringVar(&cfg.fetch, "fetch", "", "act as a client: download -get from this server and exit")
	fs.StringVar(&cfg.get, "get", "", "with -fetch, the remote path to retrieve")
	fs.StringVar(&cfg.out, "out", "", "with -fetch, the local file to write (default: stdout)")
	fs.StringVar(&cfg.user, "user", "anonymous", "with -fetch, the USER name")
	fs.StringVar(&cfg.pass, "pass", "guest@", "with -fetch, the PASS token")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	switch {
	case cfg.listJournal != "":
	case cfg.fetch != "":
		if cfg.get == "" {
			return nil, errors.New("-fetch requires -get")
		}
	case cfg.root == "":
		return nil, errors.New("-root is required")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "guestftpd:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case cfg.listJournal != "":
		err = listJournal(ctx, os.Stdout, cfg)
	case cfg.fetch != "":
		err = fetch(cfg, logger)
	default:
		err = serve(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("guestftpd failed", "error", err)
		os.Exit(1)
	}
}

// buildOptions turns the configuration into server options. The returned
// cleanup closes whatever the options opened.
func buildOptions(cfg *config, logger *slog.Logger, stdout io.Writer) ([]server.Option, func() error, error) {
	var closers []io.Closer
	cleanup := func() error {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}

	opts := []server.Option{
		server.WithRootDir(cfg.root),
		server.WithLogger(logger),
		server.WithMaxIdleTime(cfg.idle),
		server.WithMaxConnections(cfg.maxConns, cfg.maxConnsPerIP),
		server.WithTransferTimeout(cfg.transferTimeout),
		server.WithWriteTimeout(cfg.writeTimeout),
		server.WithBandwidthLimit(cfg.bandwidth),
		server.WithStrictPORT(cfg.strictPort),
	}

	var archivers []archive.Archiver
	if cfg.archiveDir != "" {
		dir, err := archive.NewDir(cfg.archiveDir)
		if err != nil {
			return nil, cleanup, err
		}
		archivers = append(archivers, dir)
	}
	if cfg.journal != "" {
		j, err := archive.OpenJournal(cfg.journal)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, j)
		archivers = append(archivers, j)
	}
	opts = append(opts, server.WithArchiver(archive.Multi(archivers...)))

	if cfg.xferlog != "" {
		f, err := os.OpenFile(cfg.xferlog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open xferlog: %w", err)
		}
		closers = append(closers, f)
		opts = append(opts, server.WithTransferLog(f))
	}

	if cfg.transcript {
		opts = append(opts, server.WithTrafficHook(newTranscript(stdout).hook))
	}
	return opts, cleanup, nil
}

func serve(ctx context.Context, cfg *config, logger *slog.Logger) (err error) {
	opts, cleanup, err := buildOptions(cfg, logger, os.Stdout)
	defer func() {
		if cerr := cleanup(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg.addr, opts...)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
