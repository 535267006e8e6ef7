package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Dir copies every retrieved file into a directory tree, one subdirectory
// per session, named file1, file2, ... by transfer ordinal.
type Dir struct {
	root string
	perm fs.FileMode
}

// NewDir returns a Dir archiver writing below root, creating it if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Dir{root: root, perm: 0o644}, nil
}

// Path returns where the copy for rec is written.
func (d *Dir) Path(rec Record) string {
	name := "file" + strconv.Itoa(rec.Ordinal)
	if rec.SessionID == "" || !filepath.IsLocal(rec.SessionID) {
		return filepath.Join(d.root, name)
	}
	return filepath.Join(d.root, rec.SessionID, name)
}

// Archive implements Archiver.
func (d *Dir) Archive(ctx context.Context, rec Record, fsys fs.FS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := fsys.Open(rec.Name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := d.Path(rec)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, d.perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("copy %s to %s: %w", rec.Name, dst, err)
	}
	return f.Close()
}
