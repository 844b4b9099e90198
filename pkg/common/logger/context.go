package logger

import "context"

// LoggerContext accumulates attributes across a sequence of related log
// statements without allocating a new Logger per statement.
type LoggerContext struct {
	log   *Logger
	attrs []any
}

// NewLoggerContext creates a LoggerContext wrapping the provided logger.
func NewLoggerContext(log *Logger) *LoggerContext {
	return &LoggerContext{log: log}
}

// Add appends key/value pairs included in every subsequent log statement.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.log.Debugc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.log.Infoc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.log.Warnc(ctx, 3, msg, append(lc.attrs, args...)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.log.Errorc(ctx, 3, msg, append(lc.attrs, args...)...)
}
