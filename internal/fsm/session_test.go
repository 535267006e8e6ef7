package fsm

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/guestftp/archive"
	"github.com/gonzalop/guestftp/internal/command"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"existing.txt":      {Data: []byte("hello, guest")},
		"docs/readme.md":    {Data: []byte("# readme")},
		"with space.txt":    {Data: []byte("spaced")},
		"secret":            {Data: []byte("inside root")},
		"docs/nested/a.bin": {Data: []byte{0, 1, 2, 3}},
	}
}

// step feeds one line and, when a transfer is requested, drains it and
// reports transferErr back. It returns every reply in wire form.
func step(t *testing.T, s *Session, line string, transferErr error) []string {
	t.Helper()
	res := s.Process(line)
	out := wire(res.Replies)
	if res.Transfer != nil {
		_, err := io.Copy(io.Discard, res.Transfer)
		require.NoError(t, err)
		fin := s.FinishTransfer(context.Background(), res.Transfer, transferErr)
		require.Nil(t, fin.Transfer)
		out = append(out, wire(fin.Replies)...)
	}
	return out
}

func wire(replies []Reply) []string {
	out := make([]string, 0, len(replies))
	for _, r := range replies {
		out = append(out, r.String())
	}
	return out
}

func codes(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l[:3]
	}
	return out
}

func login(t *testing.T, s *Session) {
	t.Helper()
	require.Equal(t, []string{"331"}, codes(step(t, s, "USER anon\r\n", nil)))
	require.Equal(t, []string{"230"}, codes(step(t, s, "PASS x\r\n", nil)))
}

type snapshot struct {
	authenticated, awaiting bool
	endpoint                command.Endpoint
	hasEndpoint             bool
	transfers               int
}

func snap(s *Session) snapshot {
	ep, ok := s.Endpoint()
	return snapshot{s.Authenticated(), s.AwaitingPassword(), ep, ok, s.Transfers()}
}

func TestHandlerTableComplete(t *testing.T) {
	for v := command.USER; v < command.NumVerbs; v++ {
		assert.NotNil(t, handlers[v], "no handler for %v", v)
	}
	assert.Nil(t, handlers[command.VerbNone])
}

func TestHappyPath(t *testing.T) {
	t.Parallel()
	s := New(testFS())

	assert.Equal(t, []string{"331 Guest access OK, send password.\r\n"}, step(t, s, "USER anon\r\n", nil))
	assert.Equal(t, []string{"230 Guest login OK.\r\n"}, step(t, s, "PASS x\r\n", nil))
	assert.Equal(t, []string{"200 Port command successful (127.0.0.1,10000).\r\n"}, step(t, s, "PORT 127,0,0,1,39,16\r\n", nil))

	ep, ok := s.Endpoint()
	require.True(t, ok)
	assert.Equal(t, command.Endpoint{Host: "127.0.0.1", Port: 10000}, ep)

	assert.Equal(t, []string{"150", "250"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
	assert.Equal(t, 1, s.Transfers())

	_, ok = s.Endpoint()
	assert.False(t, ok, "endpoint must be consumed")

	assert.Equal(t, []string{"503"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
	assert.Equal(t, 1, s.Transfers())
}

func TestPassWithoutUser(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"PASS x\r\n", "PASS \r\n", "PASS\r\n", "PASS two words\r\n", "pass y\r\n"} {
		s := New(testFS())
		before := snap(s)
		assert.Equal(t, []string{"503 Bad sequence of commands.\r\n"}, step(t, s, line, nil), line)
		assert.Equal(t, before, snap(s), line)
	}

	// Once logged in, PASS is out of sequence again.
	s := New(testFS())
	login(t, s)
	assert.Equal(t, []string{"503"}, codes(step(t, s, "PASS again\r\n", nil)))
	assert.True(t, s.Authenticated())
}

func TestReloginResetsSession(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	login(t, s)
	step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
	_, ok := s.Endpoint()
	require.True(t, ok)

	assert.Equal(t, []string{"331"}, codes(step(t, s, "USER other\r\n", nil)))
	assert.False(t, s.Authenticated())
	assert.True(t, s.AwaitingPassword())
	assert.Equal(t, "other", s.User())
	_, ok = s.Endpoint()
	assert.False(t, ok, "re-login discards the endpoint")

	// A second USER while awaiting restarts the handshake again.
	assert.Equal(t, []string{"331"}, codes(step(t, s, "USER third\r\n", nil)))
	assert.True(t, s.AwaitingPassword())
	assert.Equal(t, []string{"230"}, codes(step(t, s, "PASS p\r\n", nil)))
	assert.True(t, s.Authenticated())
}

func TestMalformedUserKeepsLogin(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	login(t, s)
	step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
	before := snap(s)

	for _, line := range []string{"USER\r\n", "USER \r\n", "USER a b\r\n"} {
		assert.Equal(t, []string{"501 Syntax error in parameters or arguments.\r\n"}, step(t, s, line, nil), line)
	}
	assert.Equal(t, before, snap(s))
	assert.Equal(t, "anon", s.User())
}

func TestMalformedPassStaysAwaiting(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	step(t, s, "USER anon\r\n", nil)

	assert.Equal(t, []string{"501"}, codes(step(t, s, "PASS\r\n", nil)))
	assert.True(t, s.AwaitingPassword())
	assert.False(t, s.Authenticated())

	// Other commands do not clear the pending handshake either.
	assert.Equal(t, []string{"200"}, codes(step(t, s, "NOOP\r\n", nil)))
	assert.Equal(t, []string{"530"}, codes(step(t, s, "TYPE I\r\n", nil)))
	assert.Equal(t, []string{"500"}, codes(step(t, s, "FOO\r\n", nil)))
	assert.True(t, s.AwaitingPassword())

	assert.Equal(t, []string{"230"}, codes(step(t, s, "PASS \r\n", nil)))
	assert.True(t, s.Authenticated())
	assert.False(t, s.AwaitingPassword())
}

func TestPort(t *testing.T) {
	t.Parallel()

	t.Run("requires login", func(t *testing.T) {
		s := New(testFS())
		assert.Equal(t, []string{"530 Not logged in.\r\n"}, step(t, s, "PORT 127,0,0,1,117,136\r\n", nil))
		_, ok := s.Endpoint()
		assert.False(t, ok)

		step(t, s, "USER anon\r\n", nil)
		assert.Equal(t, []string{"530"}, codes(step(t, s, "PORT 127,0,0,1,117,136\r\n", nil)))
	})

	t.Run("decodes endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		assert.Equal(t, []string{"200 Port command successful (127.0.0.1,30088).\r\n"}, step(t, s, "PORT 127,0,0,1,117,136\r\n", nil))
		ep, ok := s.Endpoint()
		require.True(t, ok)
		assert.Equal(t, command.Endpoint{Host: "127.0.0.1", Port: 30088}, ep)
	})

	t.Run("exhaustive port arithmetic", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		rng := rand.New(rand.NewSource(1))
		for range 500 {
			var o [6]int
			for i := range o {
				o[i] = rng.Intn(256)
			}
			line := strings.Join([]string{strconv.Itoa(o[0]), strconv.Itoa(o[1]), strconv.Itoa(o[2]), strconv.Itoa(o[3]), strconv.Itoa(o[4]), strconv.Itoa(o[5])}, ",")
			require.Equal(t, []string{"200"}, codes(step(t, s, "PORT "+line+"\r\n", nil)))
			ep, _ := s.Endpoint()
			assert.Equal(t, o[4]*256+o[5], ep.Port)
			assert.Equal(t, strconv.Itoa(o[0])+"."+strconv.Itoa(o[1])+"."+strconv.Itoa(o[2])+"."+strconv.Itoa(o[3]), ep.Host)
		}
	})

	t.Run("out of range keeps previous endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		step(t, s, "PORT 127,0,0,1,117,136\r\n", nil)
		before := snap(s)

		assert.Equal(t, []string{"501"}, codes(step(t, s, "PORT 256,0,0,1,0,1\r\n", nil)))
		assert.Equal(t, []string{"501"}, codes(step(t, s, "PORT 1,2,3\r\n", nil)))
		assert.Equal(t, before, snap(s))
	})

	t.Run("out of range without previous endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		assert.Equal(t, []string{"501"}, codes(step(t, s, "PORT 256,0,0,1,0,1\r\n", nil)))
		_, ok := s.Endpoint()
		assert.False(t, ok)
	})

	t.Run("endpoint check", func(t *testing.T) {
		s := New(testFS(), WithEndpointCheck(func(ep command.Endpoint) bool {
			return ep.Host == "10.0.0.5"
		}))
		login(t, s)
		require.Equal(t, []string{"200"}, codes(step(t, s, "PORT 10,0,0,5,0,21\r\n", nil)))

		res := s.Process("PORT 10,0,0,6,0,21\r\n")
		assert.Equal(t, []string{"501 Illegal PORT command.\r\n"}, wire(res.Replies))
		assert.Error(t, res.Err)

		ep, ok := s.Endpoint()
		require.True(t, ok)
		assert.Equal(t, "10.0.0.5", ep.Host)
	})
}

func TestRetr(t *testing.T) {
	t.Parallel()

	t.Run("requires login", func(t *testing.T) {
		s := New(testFS())
		assert.Equal(t, []string{"530"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
		assert.Equal(t, []string{"530"}, codes(step(t, s, "RETR\r\n", nil)))
	})

	t.Run("requires endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		assert.Equal(t, []string{"503 Bad sequence of commands. Use PORT before RETR.\r\n"}, step(t, s, "RETR existing.txt\r\n", nil))
		assert.Equal(t, []string{"503"}, codes(step(t, s, "RETR\r\n", nil)))
	})

	t.Run("malformed keeps endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
		assert.Equal(t, []string{"501"}, codes(step(t, s, "RETR \r\n", nil)))
		_, ok := s.Endpoint()
		assert.True(t, ok)
		assert.Equal(t, []string{"150", "250"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
	})

	t.Run("missing file consumes endpoint", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)

		res := s.Process("RETR nope.txt\r\n")
		assert.Equal(t, []string{"550 Requested action not taken. File unavailable.\r\n"}, wire(res.Replies))
		assert.Nil(t, res.Transfer)
		assert.True(t, errors.Is(res.Err, fs.ErrNotExist))

		_, ok := s.Endpoint()
		assert.False(t, ok)
		assert.Equal(t, 0, s.Transfers())
		assert.Equal(t, []string{"503"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
	})

	t.Run("directory is unavailable", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		for _, p := range []string{"docs", "/", "docs/nested/"} {
			step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
			assert.Equal(t, []string{"550"}, codes(step(t, s, "RETR "+p+"\r\n", nil)), p)
		}
	})

	t.Run("paths are rooted", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		for _, p := range []string{"../secret", "/secret", "docs/../secret", "with space.txt", "/docs/readme.md"} {
			step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
			res := s.Process("RETR " + p + "\r\n")
			require.NotNil(t, res.Transfer, p)
			data, err := io.ReadAll(res.Transfer)
			require.NoError(t, err)
			assert.NotEmpty(t, data)
			assert.Equal(t, int64(len(data)), res.Transfer.Bytes())
			assert.Equal(t, res.Transfer.Size, res.Transfer.Bytes())
			fin := s.FinishTransfer(context.Background(), res.Transfer, nil)
			assert.Equal(t, []string{"250"}, codes(wire(fin.Replies)))
		}
		assert.Equal(t, 5, s.Transfers())
	})

	t.Run("transfer failure", func(t *testing.T) {
		s := New(testFS())
		login(t, s)
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)

		res := s.Process("RETR existing.txt\r\n")
		require.NotNil(t, res.Transfer)
		assert.Equal(t, "127.0.0.1:1024", res.Transfer.Endpoint.Addr())

		dialErr := errors.New("connection refused")
		fin := s.FinishTransfer(context.Background(), res.Transfer, dialErr)
		assert.Equal(t, []string{"425 Can't open data connection.\r\n"}, wire(fin.Replies))
		assert.True(t, errors.Is(fin.Err, dialErr))
		assert.Equal(t, 0, s.Transfers())
		_, ok := s.Endpoint()
		assert.False(t, ok)

		// The session stays usable.
		assert.Equal(t, []string{"200"}, codes(step(t, s, "NOOP\r\n", nil)))
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
		assert.Equal(t, []string{"150", "250"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
		assert.Equal(t, 1, s.Transfers())
	})

	t.Run("no filesystem", func(t *testing.T) {
		s := New(nil)
		login(t, s)
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
		assert.Equal(t, []string{"550"}, codes(step(t, s, "RETR existing.txt\r\n", nil)))
	})
}

func TestArchiverHook(t *testing.T) {
	t.Parallel()

	var got []archive.Record
	a := archive.ArchiverFunc(func(_ context.Context, rec archive.Record, fsys fs.FS) error {
		data, err := fs.ReadFile(fsys, rec.Name)
		if err != nil {
			return err
		}
		if int64(len(data)) != rec.Bytes {
			return errors.New("size mismatch")
		}
		got = append(got, rec)
		return nil
	})

	s := New(testFS(), WithArchiver(a), WithSessionID("abc"))
	login(t, s)
	for _, p := range []string{"existing.txt", "docs/readme.md"} {
		step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
		step(t, s, "RETR "+p+"\r\n", nil)
	}

	// Failed transfers are not archived.
	step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)
	step(t, s, "RETR existing.txt\r\n", errors.New("reset"))

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Ordinal)
	assert.Equal(t, 2, got[1].Ordinal)
	assert.Equal(t, "abc", got[0].SessionID)
	assert.Equal(t, "anon", got[0].User)
	assert.Equal(t, "docs/readme.md", got[1].Name)
	assert.Equal(t, "127.0.0.1:1024", got[1].Remote)
	assert.False(t, got[1].Time.IsZero())
}

func TestArchiverFailureDoesNotChangeReply(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	s := New(testFS(), WithArchiver(archive.ArchiverFunc(func(context.Context, archive.Record, fs.FS) error {
		return boom
	})))
	login(t, s)
	step(t, s, "PORT 127,0,0,1,4,0\r\n", nil)

	res := s.Process("RETR existing.txt\r\n")
	require.NotNil(t, res.Transfer)
	fin := s.FinishTransfer(context.Background(), res.Transfer, nil)
	assert.Equal(t, []string{"250 Requested file action completed.\r\n"}, wire(fin.Replies))
	assert.True(t, errors.Is(fin.Err, boom))
	assert.Equal(t, 1, s.Transfers())
}

func TestType(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	assert.Equal(t, []string{"530 Not logged in.\r\n"}, step(t, s, "TYPE A\r\n", nil))
	assert.Equal(t, []string{"530"}, codes(step(t, s, "TYPE Z\r\n", nil)))

	login(t, s)
	assert.Equal(t, []string{"200 Type set to A.\r\n"}, step(t, s, "TYPE A\r\n", nil))
	assert.Equal(t, "A", s.TransferType())
	assert.Equal(t, []string{"200 Type set to I.\r\n"}, step(t, s, "type i\r\n", nil))
	assert.Equal(t, []string{"501"}, codes(step(t, s, "TYPE E\r\n", nil)))
	assert.Equal(t, "I", s.TransferType())
}

func TestSystNoopIdempotent(t *testing.T) {
	t.Parallel()

	script := []string{
		"USER anon\r\n", "PASS x\r\n", "PORT 127,0,0,1,39,16\r\n", "RETR nope\r\n",
		"PORT 127,0,0,1,39,16\r\n", "RETR existing.txt\r\n", "RETR existing.txt\r\n", "QUIT\r\n",
	}

	plain := New(testFS())
	var want [][]string
	for _, line := range script {
		want = append(want, step(t, plain, line, nil))
	}

	noisy := New(testFS())
	var got [][]string
	for _, line := range script {
		for range 3 {
			before := snap(noisy)
			assert.Equal(t, []string{"200 UNIX Type: L8.\r\n"}, step(t, noisy, "SYST\r\n", nil))
			assert.Equal(t, []string{"200 Command okay.\r\n"}, step(t, noisy, "NOOP\r\n", nil))
			assert.Equal(t, before, snap(noisy))
		}
		got = append(got, step(t, noisy, line, nil))
	}

	assert.Equal(t, want, got)
	assert.Equal(t, snap(plain), snap(noisy))
}

func TestMalformedSimpleCommands(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	for _, line := range []string{"SYST x\r\n", "NOOP x\r\n", "QUIT now\r\n"} {
		res := s.Process(line)
		assert.Equal(t, []string{"501"}, codes(wire(res.Replies)), line)
		assert.False(t, res.Close, line)
	}
}

func TestQuit(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	res := s.Process("QUIT\r\n")
	assert.True(t, res.Close)
	assert.Equal(t, []string{"221 Service closing control connection.\r\n"}, wire(res.Replies))

	login(t, s)
	res = s.Process("quit\r\n")
	assert.True(t, res.Close)
}

func TestUnknownVerb(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	login(t, s)
	step(t, s, "PORT 127,0,0,1,117,136\r\n", nil)
	before := snap(s)

	for _, line := range []string{"FOO\r\n", "LIST\r\n", " USER anon\r\n", "\r\n", "PASV\r\n"} {
		res := s.Process(line)
		assert.Equal(t, []string{"500 Syntax error, command unrecognized.\r\n"}, wire(res.Replies), line)
		assert.True(t, errors.Is(res.Err, command.ErrUnrecognized))
	}
	assert.Equal(t, before, snap(s))
}

// TestStateInvariants drives random command sequences and checks the
// structural invariants after every line.
func TestStateInvariants(t *testing.T) {
	t.Parallel()

	lines := []string{
		"USER anon\r\n", "USER\r\n", "PASS x\r\n", "PASS\r\n", "TYPE A\r\n", "TYPE Q\r\n",
		"PORT 127,0,0,1,1,1\r\n", "PORT 999,0,0,1,1,1\r\n", "RETR existing.txt\r\n", "RETR missing\r\n",
		"RETR \r\n", "SYST\r\n", "NOOP\r\n", "FOO\r\n", "QUIT\r\n",
	}
	rng := rand.New(rand.NewSource(42))
	s := New(testFS())
	for range 2000 {
		line := lines[rng.Intn(len(lines))]
		var transferErr error
		if rng.Intn(3) == 0 {
			transferErr = errors.New("flaky")
		}
		before := s.Transfers()
		out := step(t, s, line, transferErr)
		require.NotEmpty(t, out)

		assert.False(t, s.Authenticated() && s.AwaitingPassword(), "after %q", line)
		if _, ok := s.Endpoint(); ok {
			assert.True(t, s.Authenticated(), "endpoint without login after %q", line)
		}
		assert.GreaterOrEqual(t, s.Transfers(), before)
		for _, r := range out {
			assert.True(t, strings.HasSuffix(r, "\r\n"))
		}
	}
}

func TestResultVerb(t *testing.T) {
	t.Parallel()
	s := New(testFS())
	assert.Equal(t, command.USER, s.Process("USER anon\r\n").Verb)
	assert.Equal(t, command.PASS, s.Process("PASS\r\n").Verb)
	assert.Equal(t, command.VerbNone, s.Process("FOO\r\n").Verb)
	assert.Equal(t, command.QUIT, s.Process("quit\r\n").Verb)
}
