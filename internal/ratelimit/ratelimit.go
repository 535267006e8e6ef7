// Package ratelimit throttles data-connection streams to a byte rate.
//
// A Limiter may be shared by every transfer of a server, in which case the
// configured rate is the aggregate ceiling.
package ratelimit

import (
	"context"
	"io"
	"math"

	"golang.org/x/time/rate"
)

// Limiter bounds throughput in bytes per second.
// A nil *Limiter imposes no limit.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter allowing bytesPerSecond on average with bursts of
// up to one second of data. It returns nil for a non-positive rate.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, math.MaxInt32))
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Rate returns the configured limit in bytes per second, or 0 if l is nil.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

// wait blocks until n bytes may be sent or ctx is done.
func (l *Limiter) wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.lim.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

type writer struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

// NewWriter returns a writer that waits on l before every write. The wait
// is abandoned, and the write fails, when ctx is done. If l is nil, w is
// returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, l *Limiter) io.Writer {
	if l == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, l: l}
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.l.wait(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
