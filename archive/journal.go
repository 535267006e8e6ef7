package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS transfers (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT    NOT NULL,
	ordinal      INTEGER NOT NULL,
	user         TEXT    NOT NULL,
	path         TEXT    NOT NULL,
	name         TEXT    NOT NULL,
	bytes        INTEGER NOT NULL,
	remote       TEXT    NOT NULL,
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_session ON transfers(session_id, ordinal);
`

var journalColumns = []string{"session_id", "ordinal", "user", "path", "name", "bytes", "remote", "completed_at"}

// Journal records every completed transfer in a SQLite database.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database at filename.
// Use ":memory:" for a throwaway journal.
func OpenJournal(filename string) (*Journal, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Archive implements Archiver. The file contents are not read.
func (j *Journal) Archive(ctx context.Context, rec Record, _ fs.FS) error {
	query, args, err := squirrel.Insert("transfers").
		Columns(journalColumns...).
		Values(rec.SessionID, rec.Ordinal, rec.User, rec.Path, rec.Name,
			rec.Bytes, rec.Remote, rec.Time.UnixNano()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("journal transfer %d: %w", rec.Ordinal, err)
	}
	return nil
}

// List returns the journaled records in insertion order. A limit of zero
// or less returns all of them.
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	return j.query(ctx, "", limit)
}

// Session returns the records of one session ordered by transfer ordinal.
func (j *Journal) Session(ctx context.Context, sessionID string) ([]Record, error) {
	return j.query(ctx, sessionID, 0)
}

func (j *Journal) query(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	sel := squirrel.Select(journalColumns...).From("transfers")
	if sessionID != "" {
		sel = sel.Where(squirrel.Eq{"session_id": sessionID}).OrderBy("ordinal")
	} else {
		sel = sel.OrderBy("id")
	}
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}

	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var completedAt int64
		if err := rows.Scan(&rec.SessionID, &rec.Ordinal, &rec.User, &rec.Path,
			&rec.Name, &rec.Bytes, &rec.Remote, &completedAt); err != nil {
			return nil, err
		}
		rec.Time = time.Unix(0, completedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
