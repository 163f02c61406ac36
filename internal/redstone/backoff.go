package redstone

import (
	"context"
	"math"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Capped is Exponential bounded by max. A non-positive max means no bound.
func Capped(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := Exponential(base, attempt)
	if max > 0 && d > max {
		return max
	}
	return d
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
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
