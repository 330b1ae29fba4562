package helpers

import (
	"context"
	"time"
)

func DurationDefault(x, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return x
}

// SleepCtx returns false if ctx is done before d passed.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
