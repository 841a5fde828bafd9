// Package ratelimit throttles data connection streams to a byte rate.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk bounds how many bytes a single Read or Write waits for.
const maxChunk = 32 * 1024

// Limiter limits throughput to a number of bytes per second, with a burst
// of one second worth of data. A nil *Limiter imposes no limit.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a Limiter for bytesPerSecond, or nil if bytesPerSecond <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

func (l *Limiter) chunk(n int) int {
	return min(n, maxChunk, l.lim.Burst())
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a reader that reads from r no faster than limiter allows.
// Waiting stops with ctx.Err() when ctx is done. If limiter is nil, r is
// returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := r.limiter.chunk(len(p))
	if err := r.limiter.wait(r.ctx, n); err != nil {
		return 0, err
	}
	return r.r.Read(p[:n])
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a writer that writes to w no faster than limiter allows.
// If limiter is nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n := w.limiter.chunk(len(p) - written)
		if err := w.limiter.wait(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
