// Package ratelimit throttles file-transfer bodies to a configured bytes-
// per-second rate. The hub applies it to the IMPORT files it pushes out and
// to the EXPORT files it receives; the agent's own transfers are not
// throttled.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter wraps a byte-denominated token bucket. A nil *Limiter is valid
// and passes bytes through unthrottled, so callers can pass a possibly-nil
// limiter without a branch at every call site.
type Limiter struct {
	lim   *rate.Limiter
	burst int
}

// New creates a limiter capped at bytesPerSecond, with burst equal to one
// second of data. A non-positive rate disables limiting entirely (nil).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst), burst: burst}
}

func (l *Limiter) waitN(n int) {
	if l == nil || n <= 0 {
		return
	}
	for n > 0 {
		chunk := n
		if chunk > l.burst {
			chunk = l.burst
		}
		// Transfers aren't cancelable mid-chunk today, so there is no
		// context to thread through; Background() just means "wait it out".
		_ = l.lim.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

// reader wraps an io.Reader, throttling Read to the limiter's rate.
type reader struct {
	r io.Reader
	l *Limiter
}

// NewReader returns r unchanged when limiter is nil.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, l: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) > r.l.burst {
		p = p[:r.l.burst]
	}
	n, err := r.r.Read(p)
	r.l.waitN(n)
	return n, err
}

// writer wraps an io.Writer, throttling Write to the limiter's rate.
type writer struct {
	w io.Writer
	l *Limiter
}

// NewWriter returns w unchanged when limiter is nil.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, l: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + w.l.burst
		if end > len(p) {
			end = len(p)
		}
		n, err := w.w.Write(p[written:end])
		w.l.waitN(n)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
