//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return NewZap(zap.New(core)), logs
}

func TestZapLogger_LogLevels(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.DebugLevel)

	ctx := context.Background()
	logger.Log(ctx, LevelDebug, "debug msg")
	logger.Log(ctx, LevelInfo, "info msg")
	logger.Log(ctx, LevelWarn, "warn msg")
	logger.Log(ctx, LevelError, "error msg")
	logger.Log(ctx, Level(42), "fallback msg")

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[4].Level)
}

func TestZapLogger_Fields(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	failure := errors.New("boom")
	logger.Log(context.Background(), LevelInfo, "with fields",
		String("name", "outbox"),
		Int("count", 3),
		Bool("ok", true),
		Err(failure),
		Any("raw", 1.5),
	)

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "outbox", fields["name"])
	assert.EqualValues(t, 3, fields["count"])
	assert.Equal(t, true, fields["ok"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, 1.5, fields["raw"])
}

func TestZapLogger_With(t *testing.T) {
	t.Parallel()

	logger, logs := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(String("component", "dispatcher"))
	child.Log(context.Background(), LevelInfo, "hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "dispatcher", entries[0].ContextMap()["component"])
}

func TestZapLogger_Enabled(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.WarnLevel)

	assert.True(t, logger.Enabled(LevelError))
	assert.True(t, logger.Enabled(LevelWarn))
	assert.False(t, logger.Enabled(LevelInfo))
	assert.False(t, logger.Enabled(LevelDebug))
}

func TestZapLogger_NilSafety(t *testing.T) {
	t.Parallel()

	var logger *ZapLogger

	logger.Log(context.Background(), LevelInfo, "must not panic")
	assert.NotNil(t, logger.With(String("k", "v")))
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestSafeError(t *testing.T) {
	t.Parallel()

	t.Run("logs real errors", func(t *testing.T) {
		t.Parallel()

		logger, logs := newObservedLogger(zapcore.ErrorLevel)
		SafeError(logger, context.Background(), "operation failed", errors.New("boom"))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "operation failed", entries[0].Message)
	})

	t.Run("skips nil error and cancellation", func(t *testing.T) {
		t.Parallel()

		logger, logs := newObservedLogger(zapcore.ErrorLevel)

		SafeError(logger, context.Background(), "ignored", nil)
		SafeError(logger, context.Background(), "ignored", context.Canceled)
		SafeError(nil, context.Background(), "ignored", errors.New("boom"))

		assert.Empty(t, logs.All())
	})
}
