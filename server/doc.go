// Package server implements a small read-only FTP server for guest access.
//
// # Overview
//
// Clients log in as guests (any USER, any PASS), announce an active-mode
// data endpoint with PORT and download files with RETR. The server opens
// the data connection to the client itself. Supported commands are USER,
// PASS, TYPE, PORT, RETR, SYST, NOOP and QUIT; anything else gets a 500.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/gonzalop/guestftp/server"
//	)
//
//	func main() {
//	    s, err := server.NewServer(":2121", server.WithRootDir("/srv/ftp"))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting FTP server on :2121")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Archiving
//
// Every completed transfer can be observed through an archive.Archiver.
// The archive package provides a directory copier and a SQLite journal:
//
//	dir, _ := archive.NewDir("/var/lib/guestftp/retr_files")
//	journal, _ := archive.OpenJournal("/var/lib/guestftp/journal.db")
//	s, _ := server.NewServer(":2121",
//	    server.WithRootDir("/srv/ftp"),
//	    server.WithArchiver(archive.Multi(dir, journal)),
//	)
//
// An archiver failure is logged as archive_failed; the client still gets
// 250 for the transfer.
//
// # Logging
//
// The server logs with log/slog. Every session-scoped record carries
// session_id and remote_ip attributes. Events:
//
//   - session_started, session_closed
//   - command_received (debug level, PASS arguments masked)
//   - authentication_success
//   - transfer_complete, transfer_failed, archive_failed
//   - connection_rejected
//
// WithTransferLog additionally writes an xferlog line per RETR attempt.
//
// # Security
//
// Paths are resolved inside the served directory; ".." cannot climb out
// of it, and WithRootDir also refuses symlinks that point outside. The
// server never writes to the served tree.
//
// PORT accepts any address by default, as the protocol allows. Use
// WithStrictPORT to require that data connections go back to the control
// connection's peer.
//
// # Graceful Shutdown
//
//	go func() {
//	    <-ctx.Done()
//	    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    s.Shutdown(shutdownCtx)
//	}()
//	if err := s.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
//	    log.Fatal(err)
//	}
package server
