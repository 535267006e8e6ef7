package server

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// transferLog serializes xferlog lines from concurrent sessions.
type transferLog struct {
	mu sync.Mutex
	w  io.Writer
}

type xferEntry struct {
	when     time.Time
	duration time.Duration
	host     string
	bytes    int64
	name     string
	ascii    bool
	user     string
	complete bool
}

// log writes one line in the xferlog format:
//
//	current-time transfer-time remote-host file-size filename transfer-type
//	special-action-flag direction access-mode username service-name
//	authentication-method authenticated-user-id completion-status
//
// Every session is a guest session, so access-mode is always "a".
func (l *transferLog) log(e xferEntry) {
	transferTime := int64(e.duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	tType := "b"
	if e.ascii {
		tType = "a"
	}

	status := "c"
	if !e.complete {
		status = "i"
	}

	// Fields are space separated, so spaces in names are escaped.
	name := strings.ReplaceAll("/"+e.name, " ", "_")
	user := e.user
	if user == "" {
		user = "*"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anon ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ o a %s ftp 0 * %s\n",
		e.when.Format("Mon Jan _2 15:04:05 2006"),
		transferTime,
		e.host,
		e.bytes,
		name,
		tType,
		user,
		status,
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line)
}
