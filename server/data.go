package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/guestftp/internal/fsm"
	"github.com/gonzalop/guestftp/internal/ratelimit"
)

// sendFile opens the active-mode data connection to the endpoint the
// client announced with PORT and streams the transfer over it. The server
// is the TCP client here. It returns the number of bytes written.
func (s *session) sendFile(t *fsm.Transfer) (int64, error) {
	ctx := s.server.baseCtx
	if s.server.transferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.server.transferTimeout)
		defer cancel()
	}

	conn, err := s.connActive(ctx, t.Endpoint.Addr())
	if err != nil {
		return 0, err
	}

	dst := &deadlineWriter{ctx: ctx, conn: conn, timeout: s.server.writeTimeout}
	n, err := copyChunks(ctx, conn, ratelimit.NewWriter(ctx, dst, s.server.limiter), t, s.server.chunkSize)

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close data connection: %w", cerr))
	}
	return n, result.ErrorOrNil()
}

func (s *session) connActive(ctx context.Context, addr string) (net.Conn, error) {
	s.logger.Debug("dialing active connection", "addr", addr)

	d := net.Dialer{Timeout: s.server.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial data connection %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if !s.server.trackConnection(conn, true) {
		conn.Close()
		return nil, ErrServerClosed
	}
	return &trackingConn{Conn: conn, server: s.server}, nil
}

var aLongTimeAgo = time.Unix(1, 0)

// copyChunks writes src to w in writes of at most size bytes. A context
// cancellation interrupts a blocked write by expiring conn's deadline.
func copyChunks(ctx context.Context, conn net.Conn, w io.Writer, src io.Reader, size int) (int64, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	buf := make([]byte, size)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, wrapCtx(ctx, fmt.Errorf("write data connection: %w", werr))
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read file: %w", rerr)
		}
	}
}

// deadlineWriter arms a fresh write deadline before every write, capped by
// the context deadline.
type deadlineWriter struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	if w.timeout > 0 {
		d := time.Now().Add(w.timeout)
		if cd, ok := w.ctx.Deadline(); ok && cd.Before(d) {
			d = cd
		}
		if err := w.conn.SetWriteDeadline(d); err != nil {
			return 0, err
		}
		// The cancellation hook may have fired before the deadline above
		// replaced its expired one.
		if err := w.ctx.Err(); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}

// wrapCtx attaches the context's error when it explains a failed write.
func wrapCtx(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w (%w)", err, cerr)
	}
	return err
}

// trackingConn unregisters a data connection from the server on Close.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}
