//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "attempt 0 returns base",
			base:     100 * time.Millisecond,
			attempt:  0,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "attempt 1 doubles base",
			base:     100 * time.Millisecond,
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "attempt 3 is 8x base",
			base:     100 * time.Millisecond,
			attempt:  3,
			expected: 800 * time.Millisecond,
		},
		{
			name:     "negative attempt treated as 0",
			base:     100 * time.Millisecond,
			attempt:  -5,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "zero base returns 0",
			base:     0,
			attempt:  5,
			expected: 0,
		},
		{
			name:     "negative base returns 0",
			base:     -time.Second,
			attempt:  5,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponential_Overflow(t *testing.T) {
	t.Parallel()

	t.Run("huge attempts clamp to max shift", func(t *testing.T) {
		t.Parallel()

		expected := Exponential(time.Nanosecond, 62)
		assert.Equal(t, expected, Exponential(time.Nanosecond, 63))
		assert.Equal(t, expected, Exponential(time.Nanosecond, 1000))
	})

	t.Run("multiplication overflow clamps to MaxInt64", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 40))
		assert.Equal(t, time.Duration(math.MaxInt64), Exponential(2*time.Nanosecond, 62))
	})

	t.Run("result is never negative", func(t *testing.T) {
		t.Parallel()

		for attempt := 0; attempt <= 100; attempt++ {
			assert.GreaterOrEqual(t, int64(Exponential(time.Second, attempt)), int64(0))
		}
	})
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	t.Run("stays within half-open range", func(t *testing.T) {
		t.Parallel()

		delay := time.Second

		for range 200 {
			result := FullJitter(delay)
			assert.GreaterOrEqual(t, result, time.Duration(0))
			assert.Less(t, result, delay)
		}
	})

	t.Run("zero and negative delays return 0", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(0), FullJitter(0))
		assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
	})

	t.Run("average lands near the midpoint", func(t *testing.T) {
		t.Parallel()

		const iterations = 1000

		delay := 100 * time.Millisecond

		var sum time.Duration
		for range iterations {
			sum += FullJitter(delay)
		}

		avg := sum / iterations
		assert.InDelta(t, int64(delay/2), int64(avg), float64(delay/5))
	})
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	for _, attempt := range []int{0, 1, 5} {
		maxDelay := Exponential(100*time.Millisecond, attempt)

		for range 50 {
			result := ExponentialWithJitter(100*time.Millisecond, attempt)
			assert.GreaterOrEqual(t, result, time.Duration(0))
			assert.Less(t, result, maxDelay)
		}
	}

	assert.Equal(t, time.Duration(0), ExponentialWithJitter(0, 5))
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("completes the sleep", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		err := SleepWithContext(context.Background(), 50*time.Millisecond)

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("returns on cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := SleepWithContext(ctx, time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("returns on deadline", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := SleepWithContext(ctx, time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("non-positive durations return immediately", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, SleepWithContext(context.Background(), 0))
		require.NoError(t, SleepWithContext(context.Background(), -time.Second))
	})

	t.Run("already cancelled context returns immediately", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
