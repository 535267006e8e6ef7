// Package command validates single FTP control lines against a strict
// per-verb grammar and extracts typed parameters.
//
// The parser knows nothing about session state. It is safe to call from
// any number of goroutines.
package command

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Verb identifies one of the supported FTP commands.
type Verb uint8

const (
	// VerbNone is carried by parse errors for lines whose verb is unknown.
	VerbNone Verb = iota
	USER
	PASS
	TYPE
	PORT
	RETR
	SYST
	NOOP
	QUIT

	// NumVerbs is one past the last valid verb, for sizing dispatch tables.
	NumVerbs
)

var verbNames = [NumVerbs]string{
	VerbNone: "",
	USER:     "USER",
	PASS:     "PASS",
	TYPE:     "TYPE",
	PORT:     "PORT",
	RETR:     "RETR",
	SYST:     "SYST",
	NOOP:     "NOOP",
	QUIT:     "QUIT",
}

// String returns the upper-case wire name of the verb.
func (v Verb) String() string {
	if v < NumVerbs {
		return verbNames[v]
	}
	return fmt.Sprintf("Verb(%d)", uint8(v))
}

// lookupVerb matches a verb token case-insensitively.
func lookupVerb(tok string) Verb {
	for v := USER; v < NumVerbs; v++ {
		if strings.EqualFold(tok, verbNames[v]) {
			return v
		}
	}
	return VerbNone
}

// Endpoint is an active-mode data endpoint decoded from a PORT command.
type Endpoint struct {
	Host string // dotted quad, e.g. "127.0.0.1"
	Port int    // p1*256 + p2
}

// Addr returns the endpoint in host:port form, suitable for net.Dial.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String formats the endpoint the way PORT replies echo it.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s,%d", e.Host, e.Port)
}

// Command is a validated control line.
// Only the fields relevant to Verb are populated.
type Command struct {
	Verb     Verb
	User     string
	Password string
	Type     string // "A" or "I"
	Endpoint Endpoint
	Path     string
}

var (
	// ErrUnrecognized reports a line whose verb is not in the supported set.
	ErrUnrecognized = errors.New("command not recognized")

	// ErrMalformed reports a known verb whose parameters violate its grammar.
	ErrMalformed = errors.New("malformed parameters")
)

// ParseError describes a line that could not be turned into a Command.
type ParseError struct {
	// Verb is the recognized verb, or VerbNone when the verb is unknown.
	Verb Verb

	// Kind is ErrUnrecognized or ErrMalformed.
	Kind error

	// Reason is a short human description, for logs.
	Reason string
}

func (e *ParseError) Error() string {
	if e.Verb == VerbNone {
		return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Verb, e.Kind, e.Reason)
}

// Unwrap lets errors.Is match the error kind.
func (e *ParseError) Unwrap() error {
	return e.Kind
}

func malformed(v Verb, reason string) error {
	return &ParseError{Verb: v, Kind: ErrMalformed, Reason: reason}
}

// Parse validates one control line.
//
// The line is expected to end with CRLF; a bare LF is tolerated and a line
// with no terminator is taken as already stripped. On failure the returned
// Command still carries the recognized verb (if any) and the error is a
// *ParseError.
func Parse(line string) (Command, error) {
	body := trimTerminator(line)

	if body == "" {
		return Command{}, &ParseError{Kind: ErrUnrecognized, Reason: "empty line"}
	}
	if isBlank(body[0]) {
		return Command{}, &ParseError{Kind: ErrUnrecognized, Reason: "leading whitespace"}
	}

	tok, rest, hasArg := strings.Cut(body, " ")
	verb := lookupVerb(tok)
	if verb == VerbNone {
		return Command{}, &ParseError{Kind: ErrUnrecognized, Reason: fmt.Sprintf("unknown verb %q", tok)}
	}

	cmd := Command{Verb: verb}
	var err error
	switch verb {
	case USER:
		cmd.User, err = parseUser(hasArg, rest)
	case PASS:
		cmd.Password, err = parsePass(hasArg, rest)
	case TYPE:
		cmd.Type, err = parseType(hasArg, rest)
	case PORT:
		cmd.Endpoint, err = parsePort(hasArg, rest)
	case RETR:
		cmd.Path, err = parseRetr(hasArg, rest)
	case SYST, NOOP, QUIT:
		if hasArg {
			err = malformed(verb, "unexpected parameter")
		}
	}
	return cmd, err
}

func trimTerminator(line string) string {
	if s, ok := strings.CutSuffix(line, "\r\n"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(line, "\n"); ok {
		return s
	}
	return line
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == '\v' || b == '\f'
}

// skipSpaces drops the run of spaces that separates the verb from its
// parameter. The separator already consumed by strings.Cut counts as one.
func skipSpaces(s string) string {
	return strings.TrimLeft(s, " ")
}

// isToken reports whether s consists only of printable, non-space runes.
func isToken(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func parseUser(hasArg bool, rest string) (string, error) {
	if !hasArg {
		return "", malformed(USER, "missing username")
	}
	name := skipSpaces(rest)
	if name == "" {
		return "", malformed(USER, "missing username")
	}
	if !isToken(name) {
		return "", malformed(USER, "username must be a single printable token")
	}
	return name, nil
}

func parsePass(hasArg bool, rest string) (string, error) {
	// "PASS" alone has no parameter at all; "PASS " carries an empty one.
	if !hasArg {
		return "", malformed(PASS, "missing password parameter")
	}
	pass := skipSpaces(rest)
	if !isToken(pass) {
		return "", malformed(PASS, "password must be a single printable token")
	}
	return pass, nil
}

func parseType(hasArg bool, rest string) (string, error) {
	if !hasArg {
		return "", malformed(TYPE, "missing type code")
	}
	code := strings.ToUpper(skipSpaces(rest))
	switch code {
	case "A", "I":
		return code, nil
	}
	return "", malformed(TYPE, fmt.Sprintf("unsupported type %q", code))
}

func parsePort(hasArg bool, rest string) (Endpoint, error) {
	if !hasArg {
		return Endpoint{}, malformed(PORT, "missing host-port")
	}
	fields := strings.Split(skipSpaces(rest), ",")
	if len(fields) != 6 {
		return Endpoint{}, malformed(PORT, "expected six comma-separated numbers")
	}

	var n [6]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return Endpoint{}, malformed(PORT, fmt.Sprintf("field %d: %q is not a number in [0,255]", i+1, f))
		}
		n[i] = v
	}

	return Endpoint{
		Host: fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3]),
		Port: int(n[4]<<8 + n[5]),
	}, nil
}

func parseRetr(hasArg bool, rest string) (string, error) {
	if !hasArg {
		return "", malformed(RETR, "missing path")
	}
	path := skipSpaces(rest)
	if path == "" {
		return "", malformed(RETR, "missing path")
	}
	return path, nil
}
