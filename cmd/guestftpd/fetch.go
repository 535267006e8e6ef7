package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/gonzalop/guestftp"
)

// fetch downloads one file from a server in active mode.
func fetch(cfg *config, logger *slog.Logger) (err error) {
	var dst io.Writer = os.Stdout
	if cfg.out != "" {
		var f *os.File
		f, err = os.Create(cfg.out)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		dst = f
	}

	c, err := ftp.Dial(cfg.fetch, ftp.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Quit()

	if err := c.Login(cfg.user, cfg.pass); err != nil {
		return err
	}
	if err := c.Type("I"); err != nil {
		return err
	}
	n, err := c.Retrieve(cfg.get, dst)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintln(os.Stderr, fetchSummary(cfg.get, n))
	return nil
}

// fetchSummary is the line fetch prints on success.
func fetchSummary(path string, n int64) string {
	return fmt.Sprintf("retrieved %s (%s)", path, humanize.IBytes(uint64(n)))
}
