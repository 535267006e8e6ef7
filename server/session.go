package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/guestftp/internal/command"
	"github.com/gonzalop/guestftp/internal/fsm"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

var errLineTooLong = errors.New("command too long")

// session drives one control connection: it reads lines, feeds them to the
// protocol state machine and writes the replies back. Commands are handled
// strictly in order; a RETR blocks the session until its transfer ends.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	sessionID string
	remoteIP  string

	core *fsm.Session
}

// newSession creates a new session.
func newSession(server *Server, conn net.Conn) *session {
	id := uuid.NewString()
	ip := remoteIP(conn)

	s := &session{
		server:    server,
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, MaxCommandLength),
		writer:    bufio.NewWriter(conn),
		sessionID: id,
		remoteIP:  ip,
		logger: server.logger.With(
			"session_id", id,
			"remote_ip", ip,
		),
	}

	opts := []fsm.Option{
		fsm.WithSessionID(id),
		fsm.WithArchiver(server.archiver),
	}
	if server.strictPORT {
		opts = append(opts, fsm.WithEndpointCheck(s.validateActiveIP))
	}
	s.core = fsm.New(server.fsys, opts...)
	return s
}

// validateActiveIP ensures the data connection target matches the control
// connection source.
func (s *session) validateActiveIP(ep command.Endpoint) bool {
	peer := net.ParseIP(s.remoteIP)
	if peer == nil {
		return false
	}
	return peer.Equal(net.ParseIP(ep.Host))
}

// serve runs the session until the client quits, the connection fails or
// the server shuts down.
func (s *session) serve() {
	defer s.close()

	s.logger.Info("session_started")
	if err := s.send(fsm.Reply{Code: fsm.CodeServiceReady, Text: s.server.welcomeMessage}); err != nil {
		return
	}

	for {
		if s.server.maxIdleTime > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
		}

		line, err := s.readCommand()
		if err != nil {
			s.readFailed(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Time{})

		if !s.handleCommand(line) {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, errLineTooLong):
		_ = s.send(fsm.Reply{Code: fsm.CodeSyntaxError, Text: "Command line too long."})
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Info("idle timeout", "idle", s.server.maxIdleTime)
		_ = s.send(fsm.Reply{Code: fsm.CodeServiceClosing, Text: "Timeout, closing control connection."})
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.logger.Warn("read error",
			"user", s.core.User(),
			"error", err,
		)
	}
}

// readCommand reads one line including its LF terminator.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if len(line) >= MaxCommandLength {
			return "", errLineTooLong
		}
		line = append(line, b)
		if b == '\n' {
			return string(line), nil
		}
	}
}

// handleCommand processes one line and reports whether the session should
// keep reading.
func (s *session) handleCommand(line string) bool {
	shown := redactLine(strings.TrimRight(line, "\r\n"))
	s.logger.Debug("command_received",
		"user", s.core.User(),
		"line", shown,
	)
	s.traffic(Inbound, shown)

	wasAwaiting := s.core.AwaitingPassword()
	start := time.Now()
	res := s.core.Process(line)

	if res.Err != nil {
		s.logger.Debug("command failed",
			"cmd", verbName(res.Verb),
			"error", res.Err,
		)
	}
	if err := s.send(res.Replies...); err != nil {
		if res.Transfer != nil {
			s.core.FinishTransfer(s.server.baseCtx, res.Transfer, err)
		}
		return false
	}

	if res.Verb == command.PASS && wasAwaiting {
		s.authenticated()
	}

	if res.Transfer != nil {
		return s.retrieve(res.Transfer, start)
	}

	s.recordCommand(res.Verb, res.Replies, time.Since(start))
	return !res.Close
}

func (s *session) authenticated() {
	ok := s.core.Authenticated()
	if ok {
		s.logger.Info("authentication_success", "user", s.core.User())
	}
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(ok, s.core.User())
	}
}

// retrieve streams a transfer accepted by the state machine and sends the
// final reply. received is when the RETR line was read. It returns false
// if the control connection is gone.
func (s *session) retrieve(t *fsm.Transfer, received time.Time) bool {
	start := time.Now()
	n, err := s.sendFile(t)
	duration := time.Since(start)

	fin := s.core.FinishTransfer(s.server.baseCtx, t, err)

	if err != nil {
		s.logger.Warn("transfer_failed",
			"user", s.core.User(),
			"path", t.Path,
			"endpoint", t.Endpoint.Addr(),
			"bytes", n,
			"error", err,
		)
	} else {
		throughputMBps := float64(0)
		if duration.Seconds() > 0 {
			throughputMBps = float64(n) / duration.Seconds() / 1024 / 1024
		}
		s.logger.Info("transfer_complete",
			"user", s.core.User(),
			"path", t.Path,
			"endpoint", t.Endpoint.Addr(),
			"ordinal", s.core.Transfers(),
			"bytes", n,
			"duration_ms", duration.Milliseconds(),
			"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
		)
		if fin.Err != nil {
			s.logger.Warn("archive_failed",
				"user", s.core.User(),
				"path", t.Path,
				"ordinal", s.core.Transfers(),
				"error", fin.Err,
			)
		}
	}

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(n, err == nil, duration)
	}
	if s.server.transferLog != nil {
		s.server.transferLog.log(xferEntry{
			when:     time.Now(),
			duration: duration,
			host:     s.remoteIP,
			bytes:    n,
			name:     t.Name,
			ascii:    s.core.TransferType() == "A",
			user:     s.core.User(),
			complete: err == nil,
		})
	}

	if err := s.send(fin.Replies...); err != nil {
		return false
	}
	s.recordCommand(command.RETR, fin.Replies, time.Since(received))
	return true
}

// recordCommand reports a command by its final reply.
func (s *session) recordCommand(v command.Verb, replies []fsm.Reply, d time.Duration) {
	if s.server.metricsCollector == nil {
		return
	}
	success := len(replies) > 0 && replies[len(replies)-1].Positive()
	s.server.metricsCollector.RecordCommand(verbName(v), success, d)
}

// send writes replies in order and flushes them.
func (s *session) send(replies ...fsm.Reply) error {
	for _, r := range replies {
		if _, err := s.writer.WriteString(r.String()); err != nil {
			return err
		}
		s.traffic(Outbound, strings.TrimRight(r.String(), "\r\n"))
	}
	return s.writer.Flush()
}

func (s *session) traffic(dir Direction, line string) {
	if s.server.trafficHook != nil {
		s.server.trafficHook(s.sessionID, dir, line)
	}
}

// close closes the session and underlying connection.
func (s *session) close() {
	s.conn.Close()

	s.logger.Info("session_closed",
		"user", s.core.User(),
		"transfers", s.core.Transfers(),
	)
}

// redactLine hides the argument of PASS.
func redactLine(line string) string {
	verb, _, found := strings.Cut(line, " ")
	if found && strings.EqualFold(verb, "PASS") {
		return verb + " ***"
	}
	return line
}

func verbName(v command.Verb) string {
	if v == command.VerbNone {
		return "UNKNOWN"
	}
	return v.String()
}
