package log

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to the Logger interface.
//
// When the context carries an active OpenTelemetry span, trace_id and
// span_id are appended so logs correlate with distributed traces.
type ZapLogger struct {
	logger *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZap wraps an existing zap logger.
func NewZap(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func (l *ZapLogger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements Logger. It dispatches to the appropriate zap level.
func (l *ZapLogger) Log(ctx context.Context, level Level, msg string, fields ...Field) {
	zapFields := fieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case LevelDebug:
		l.must().Debug(msg, zapFields...)
	case LevelInfo:
		l.must().Info(msg, zapFields...)
	case LevelWarn:
		l.must().Warn(msg, zapFields...)
	case LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a logger with the given fields attached to every entry.
//
//nolint:ireturn
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{logger: l.must().With(fieldsToZap(fields)...)}
}

// Enabled reports whether the underlying zap core would emit at this level.
func (l *ZapLogger) Enabled(level Level) bool {
	return l.must().Core().Enabled(levelToZap(level))
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync(_ context.Context) error {
	if err := l.must().Sync(); err != nil {
		return fmt.Errorf("sync zap logger: %w", err)
	}

	return nil
}

func fieldsToZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			zapFields = append(zapFields, zap.String(field.Key, value))
		case int:
			zapFields = append(zapFields, zap.Int(field.Key, value))
		case bool:
			zapFields = append(zapFields, zap.Bool(field.Key, value))
		case error:
			if field.Key == "error" {
				zapFields = append(zapFields, zap.Error(value))

				continue
			}

			zapFields = append(zapFields, zap.NamedError(field.Key, value))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}

func levelToZap(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SafeError logs an error, guarding against nil loggers and nil errors so
// call sites in hot paths stay single-line.
func SafeError(logger Logger, ctx context.Context, msg string, err error) {
	if logger == nil || err == nil {
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
