//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/outbox/log"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []recordedEntry
}

type recordedEntry struct {
	level  log.Level
	msg    string
	fields []log.Field
}

func (l *recordingLogger) Log(_ context.Context, level log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) With(_ ...log.Field) log.Logger         { return l }
func (l *recordingLogger) Enabled(_ log.Level) bool               { return true }
func (l *recordingLogger) Sync(_ context.Context) error           { return nil }
func (l *recordingLogger) snapshot() []recordedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]recordedEntry(nil), l.entries...)
}

func TestRecoverAndLog(t *testing.T) {
	t.Parallel()

	t.Run("recovers and logs the panic", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{}

		require.NotPanics(t, func() {
			defer RecoverAndLog(context.Background(), logger, "outbox", "dispatch_cycle")
			panic("boom")
		})

		entries := logger.snapshot()
		require.Len(t, entries, 1)
		assert.Equal(t, log.LevelError, entries[0].level)
		assert.Equal(t, "recovered from panic", entries[0].msg)
	})

	t.Run("no panic logs nothing", func(t *testing.T) {
		t.Parallel()

		logger := &recordingLogger{}

		func() {
			defer RecoverAndLog(context.Background(), logger, "outbox", "noop")
		}()

		assert.Empty(t, logger.snapshot())
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		t.Parallel()

		require.NotPanics(t, func() {
			defer RecoverAndLog(context.Background(), nil, "outbox", "dispatch_cycle")
			panic("boom")
		})
	})
}

func TestSafeGo(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGo(logger, "outbox", "listener", func() {
		defer close(done)
		panic("listener blew up")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}

	// The deferred close runs before the recover fires, so give the log a beat.
	assert.Eventually(t, func() bool {
		return len(logger.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}
