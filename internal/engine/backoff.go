package engine

import (
	"context"
	"math/rand"
	"time"
)

// backoff produces exponential delays with full jitter: the window
// doubles from base up to cap, and each sleep is a uniform draw from
// [0, window].
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap}
}

func (b *backoff) next() time.Duration {
	window := b.base
	for i := 0; i < b.attempt && window < b.cap; i++ {
		window *= 2
	}
	if window > b.cap {
		window = b.cap
	}
	b.attempt++
	return time.Duration(rand.Int63n(int64(window) + 1))
}

// sleep waits out the next delay, or returns early when the context is
// cancelled.
func (b *backoff) sleep(ctx context.Context) error {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
