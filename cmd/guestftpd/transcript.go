package main

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/gonzalop/guestftp/server"
)

// transcript prints control traffic as "> command" and "< reply" lines,
// prefixed with a short session tag. Negative replies are red.
type transcript struct {
	mu  sync.Mutex
	out io.Writer

	tag      *color.Color
	inbound  *color.Color
	positive *color.Color
	negative *color.Color
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{
		out:      out,
		tag:      color.New(color.FgHiBlack),
		inbound:  color.New(color.FgCyan),
		positive: color.New(color.FgGreen),
		negative: color.New(color.FgRed, color.Bold),
	}
}

func (t *transcript) hook(sessionID string, dir server.Direction, line string) {
	tag := sessionID
	if len(tag) > 8 {
		tag = tag[:8]
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.tag.Fprintf(t.out, "[%s] ", tag)
	switch {
	case dir == server.Inbound:
		t.inbound.Fprintf(t.out, "> %s\n", line)
	case len(line) > 0 && line[0] >= '4':
		t.negative.Fprintf(t.out, "< %s\n", line)
	default:
		t.positive.Fprintf(t.out, "< %s\n", line)
	}
}
