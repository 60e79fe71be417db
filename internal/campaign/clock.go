package campaign

import (
	"context"
	"time"
)

// Clock abstracts time so pacing can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sleepChunked sleeps d in steps of at most chunk, returning early (false) as
// soon as cancelled reports true or ctx ends.
func sleepChunked(ctx context.Context, c Clock, d, chunk time.Duration, cancelled func() bool) bool {
	if chunk <= 0 {
		chunk = d
	}
	for d > 0 {
		if cancelled() {
			return false
		}
		step := min(chunk, d)
		if err := c.Sleep(ctx, step); err != nil {
			return false
		}
		d -= step
	}
	return !cancelled()
}
