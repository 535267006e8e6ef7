package fsm

import (
	"io/fs"

	"github.com/gonzalop/guestftp/internal/command"
)

// Transfer is a pending RETR: an opened file and the endpoint it must be
// streamed to. Read drains the file and counts the bytes handed out.
type Transfer struct {
	// Endpoint is the data endpoint negotiated with PORT.
	Endpoint command.Endpoint

	// Path is the path as the client sent it.
	Path string

	// Name is Path resolved against the session filesystem.
	Name string

	// Size is the file size at open time.
	Size int64

	file fs.File
	n    int64
}

// Read implements io.Reader over the file being retrieved.
func (t *Transfer) Read(p []byte) (int, error) {
	n, err := t.file.Read(p)
	t.n += int64(n)
	return n, err
}

// Bytes returns how many bytes have been read so far.
func (t *Transfer) Bytes() int64 {
	return t.n
}
