// Package fsm implements the per-connection command state machine of the
// guest FTP server.
//
// A Session consumes one control line at a time and answers with the
// replies to send. RETR does not touch the network itself: it returns a
// Transfer that the caller streams to the negotiated endpoint, reporting
// the outcome back through FinishTransfer. A Session is not safe for
// concurrent use; the connection that owns it drives it sequentially.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/guestftp/archive"
	"github.com/gonzalop/guestftp/internal/command"
)

// Session holds the protocol state of one control connection.
type Session struct {
	id         string
	fsys       fs.FS
	archiver   archive.Archiver
	endpointOK func(command.Endpoint) bool
	now        func() time.Time

	authenticated    bool
	awaitingPassword bool
	endpoint         *command.Endpoint
	transfers        int
	user             string
	transferType     string
}

// Option configures a Session.
type Option func(*Session)

// WithArchiver sets the observer notified after every completed transfer.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Session) {
		if a != nil {
			s.archiver = a
		}
	}
}

// WithEndpointCheck installs a predicate that every PORT endpoint must
// satisfy. Rejected endpoints get a parameter error and leave the current
// endpoint untouched.
func WithEndpointCheck(ok func(command.Endpoint) bool) Option {
	return func(s *Session) {
		s.endpointOK = ok
	}
}

// WithSessionID sets the identifier passed to the archiver.
func WithSessionID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New returns an unauthenticated session serving files from fsys.
func New(fsys fs.FS, opts ...Option) *Session {
	s := &Session{
		fsys:         fsys,
		archiver:     archive.Nop,
		now:          time.Now,
		transferType: "I",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of processing one line.
type Result struct {
	// Verb is the command the line was recognized as, or VerbNone.
	Verb command.Verb

	// Replies are sent to the client in order.
	Replies []Reply

	// Transfer, when set, must be streamed to its endpoint and then passed
	// to FinishTransfer. Replies already contains the 150 marker, which must
	// reach the client before the data connection is opened.
	Transfer *Transfer

	// Close asks the caller to close the control connection once Replies
	// are written.
	Close bool

	// Err is the underlying cause of a failure, for logging. It never
	// changes Replies.
	Err error
}

func reply(r Reply) Result {
	return Result{Replies: []Reply{r}}
}

type handler func(s *Session, cmd command.Command, perr error) Result

var handlers = [command.NumVerbs]handler{
	command.USER: (*Session).handleUSER,
	command.PASS: (*Session).handlePASS,
	command.TYPE: (*Session).handleTYPE,
	command.PORT: (*Session).handlePORT,
	command.RETR: (*Session).handleRETR,
	command.SYST: (*Session).handleSYST,
	command.NOOP: (*Session).handleNOOP,
	command.QUIT: (*Session).handleQUIT,
}

// Process parses and applies one control line.
func (s *Session) Process(line string) Result {
	cmd, err := command.Parse(line)
	if errors.Is(err, command.ErrUnrecognized) {
		return Result{Replies: []Reply{replyUnrecognized}, Err: err}
	}
	h := handlers[cmd.Verb]
	if h == nil {
		return reply(replyUnrecognized)
	}
	res := h(s, cmd, err)
	res.Verb = cmd.Verb
	return res
}

// USER restarts the handshake from any state, dropping a previous login
// and its endpoint. A malformed USER changes nothing.
func (s *Session) handleUSER(cmd command.Command, perr error) Result {
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	s.user = cmd.User
	s.authenticated = false
	s.awaitingPassword = true
	s.endpoint = nil
	return reply(replyNeedPassword)
}

// PASS only advances the handshake when it is syntactically valid; a
// malformed one leaves the session waiting for a password.
func (s *Session) handlePASS(_ command.Command, perr error) Result {
	if !s.awaitingPassword {
		return reply(replyBadSequence)
	}
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	s.awaitingPassword = false
	s.authenticated = true
	return reply(replyLoggedIn)
}

func (s *Session) handleTYPE(cmd command.Command, perr error) Result {
	if !s.authenticated {
		return reply(replyNotLoggedIn)
	}
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	s.transferType = cmd.Type
	return reply(replyType(cmd.Type))
}

// PORT never clears a previously negotiated endpoint on failure.
func (s *Session) handlePORT(cmd command.Command, perr error) Result {
	if !s.authenticated {
		return reply(replyNotLoggedIn)
	}
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	ep := cmd.Endpoint
	if s.endpointOK != nil && !s.endpointOK(ep) {
		return Result{
			Replies: []Reply{replyIllegalPort},
			Err:     fmt.Errorf("PORT target %s rejected", ep.Addr()),
		}
	}
	s.endpoint = &ep
	return reply(replyPort(ep.Host, ep.Port))
}

// RETR consumes the endpoint as soon as a transfer is attempted, whether
// the file turns out to exist or not. A malformed RETR never reaches that
// point and keeps it.
func (s *Session) handleRETR(cmd command.Command, perr error) Result {
	if !s.authenticated {
		return reply(replyNotLoggedIn)
	}
	if s.endpoint == nil {
		return reply(replyPortFirst)
	}
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}

	ep := *s.endpoint
	s.endpoint = nil

	t, err := s.openTransfer(cmd.Path, ep)
	if err != nil {
		return Result{Replies: []Reply{replyFileUnavailable}, Err: err}
	}
	return Result{Replies: []Reply{replyStarting}, Transfer: t}
}

func (s *Session) handleSYST(_ command.Command, perr error) Result {
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	return reply(replySystem)
}

func (s *Session) handleNOOP(_ command.Command, perr error) Result {
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	return reply(replyNoop)
}

func (s *Session) handleQUIT(_ command.Command, perr error) Result {
	if perr != nil {
		return Result{Replies: []Reply{replyParamError}, Err: perr}
	}
	return Result{Replies: []Reply{replyClosing}, Close: true}
}

// resolve maps a client path onto a name valid in an fs.FS. Paths are
// rooted at the served directory and cannot climb out of it.
func resolve(p string) (string, error) {
	name := path.Clean("/" + p)[1:]
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "open", Path: p, Err: fs.ErrInvalid}
	}
	return name, nil
}

func (s *Session) openTransfer(p string, ep command.Endpoint) (*Transfer, error) {
	if s.fsys == nil {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	name, err := resolve(p)
	if err != nil {
		return nil, err
	}

	f, err := s.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, &fs.PathError{Op: "open", Path: p, Err: errors.New("not a regular file")}
	}

	return &Transfer{
		Endpoint: ep,
		Path:     p,
		Name:     name,
		Size:     info.Size(),
		file:     f,
	}, nil
}

// FinishTransfer completes a RETR started by Process. err is the outcome of
// dialing and streaming; nil means every byte reached the client. It must
// be called exactly once per Transfer, and it closes the file.
func (s *Session) FinishTransfer(ctx context.Context, t *Transfer, err error) Result {
	var errs *multierror.Error
	if cerr := t.file.Close(); cerr != nil {
		errs = multierror.Append(errs, fmt.Errorf("close %s: %w", t.Name, cerr))
	}

	if err != nil {
		errs = multierror.Append(errs, err)
		return Result{Replies: []Reply{replyCantOpenData}, Err: errs.ErrorOrNil()}
	}

	s.transfers++
	rec := archive.Record{
		SessionID: s.id,
		Ordinal:   s.transfers,
		User:      s.user,
		Path:      t.Path,
		Name:      t.Name,
		Bytes:     t.n,
		Remote:    t.Endpoint.Addr(),
		Time:      s.now(),
	}
	if aerr := s.archiver.Archive(ctx, rec, s.fsys); aerr != nil {
		errs = multierror.Append(errs, fmt.Errorf("archive transfer %d: %w", rec.Ordinal, aerr))
	}
	return Result{Replies: []Reply{replyTransferDone}, Err: errs.ErrorOrNil()}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether a USER/PASS handshake has completed.
func (s *Session) Authenticated() bool { return s.authenticated }

// AwaitingPassword reports whether USER was accepted and PASS is expected.
func (s *Session) AwaitingPassword() bool { return s.awaitingPassword }

// Endpoint returns the negotiated data endpoint, if any.
func (s *Session) Endpoint() (command.Endpoint, bool) {
	if s.endpoint == nil {
		return command.Endpoint{}, false
	}
	return *s.endpoint, true
}

// Transfers returns the number of completed transfers.
func (s *Session) Transfers() int { return s.transfers }

// User returns the name given with the last accepted USER.
func (s *Session) User() string { return s.user }

// TransferType returns the last accepted TYPE code ("I" by default).
func (s *Session) TransferType() string { return s.transferType }
