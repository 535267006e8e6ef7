package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/gonzalop/guestftp/archive"
)

// listJournal prints the transfers recorded in the journal named by
// cfg.listJournal.
func listJournal(ctx context.Context, w io.Writer, cfg *config) error {
	j, err := archive.OpenJournal(cfg.listJournal)
	if err != nil {
		return err
	}
	defer j.Close()

	var recs []archive.Record
	if cfg.listSession != "" {
		recs, err = j.Session(ctx, cfg.listSession)
	} else {
		recs, err = j.List(ctx, cfg.listLimit)
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return renderJournal(w, recs)
}

func renderJournal(w io.Writer, recs []archive.Record) error {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Session", "#", "User", "Path", "Size", "Endpoint")
	for _, rec := range recs {
		session := rec.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		if err := table.Append([]string{
			rec.Time.Format("2006-01-02 15:04:05"),
			session,
			strconv.Itoa(rec.Ordinal),
			rec.User,
			rec.Path,
			humanize.IBytes(uint64(rec.Bytes)),
			rec.Remote,
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d transfer(s)\n", len(recs))
	return err
}
