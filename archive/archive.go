// Package archive provides observers for completed retrievals.
//
// Every successful RETR is handed to an Archiver together with the
// session's transfer ordinal. Archivers never influence the protocol reply:
// a failing archiver is logged by the server and the client still sees the
// transfer as complete.
package archive

import (
	"context"
	"io/fs"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Record describes one completed retrieval.
type Record struct {
	// SessionID identifies the control connection the transfer belonged to.
	SessionID string

	// Ordinal is the 1-based number of this transfer within its session.
	Ordinal int

	// User is the guest name given with USER.
	User string

	// Path is the path as requested by the client.
	Path string

	// Name is the cleaned, filesystem-relative name that was served.
	Name string

	// Bytes is the number of bytes streamed to the client.
	Bytes int64

	// Remote is the data endpoint in host:port form.
	Remote string

	// Time is when the transfer completed.
	Time time.Time
}

// Archiver observes completed transfers.
//
// fsys is the filesystem the file was served from; rec.Name is valid in it.
// Implementations must be safe for concurrent use: sessions run in their
// own goroutines and share the server's archiver.
type Archiver interface {
	Archive(ctx context.Context, rec Record, fsys fs.FS) error
}

// ArchiverFunc adapts an ordinary function to the Archiver interface.
type ArchiverFunc func(ctx context.Context, rec Record, fsys fs.FS) error

// Archive calls f.
func (f ArchiverFunc) Archive(ctx context.Context, rec Record, fsys fs.FS) error {
	return f(ctx, rec, fsys)
}

type nop struct{}

func (nop) Archive(context.Context, Record, fs.FS) error { return nil }

// Nop is an Archiver that does nothing.
var Nop Archiver = nop{}

// multi fans a record out to several archivers.
type multi []Archiver

// Multi returns an Archiver that calls each archiver in order.
// All archivers run even if some fail; the failures are combined.
func Multi(archivers ...Archiver) Archiver {
	var m multi
	for _, a := range archivers {
		if a != nil {
			m = append(m, a)
		}
	}
	if len(m) == 0 {
		return Nop
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) Archive(ctx context.Context, rec Record, fsys fs.FS) error {
	var result *multierror.Error
	for _, a := range m {
		if err := a.Archive(ctx, rec, fsys); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
