package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// they are emitted together on every subsequent record.
type LoggerContext struct {
	logger *Logger
	attrs  []any
}

// NewLoggerContext returns a LoggerContext on top of the provided logger.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{logger: l}
}

// Add appends key/value pairs to the accumulated attributes.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) merge(args []any) []any {
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}
