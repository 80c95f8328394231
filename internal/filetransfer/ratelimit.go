package filetransfer

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits outgoing chunk bytes with a token bucket. A nil Throttle
// does not limit.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle limits throughput to bytesPerSecond. It returns nil when
// bytesPerSecond is 0 or negative. The burst is one maximum chunk so any
// single chunk can always be admitted.
func NewThrottle(bytesPerSecond int64) *Throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), MaxChunkSize)}
}

// Wait blocks until n bytes may be sent or ctx is done.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return ctx.Err()
	}
	if n > t.limiter.Burst() {
		n = t.limiter.Burst()
	}
	return t.limiter.WaitN(ctx, n)
}

// Limit returns the configured bytes per second, or 0 when unlimited.
func (t *Throttle) Limit() int64 {
	if t == nil {
		return 0
	}
	return int64(t.limiter.Limit())
}
