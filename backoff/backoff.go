// Package backoff computes retry delays with exponential growth and full
// jitter, and provides a context-aware sleep for retry loops.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so the shift itself cannot overflow int64.
const maxShift = 62

// Exponential returns base * 2^attempt, clamped to math.MaxInt64 on
// overflow. Negative attempts count as zero; non-positive bases return 0.
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

	return base * time.Duration(multiplier)
}

// FullJitter returns a uniformly random duration in [0, delay). Spreading
// the whole delay window keeps competing retriers from synchronizing.
// Zero and negative delays return 0.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter needs spread, not secrecy
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt),
// the "full jitter" strategy.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext waits for the given duration or until the context ends,
// whichever comes first. Non-positive durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
