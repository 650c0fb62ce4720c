package oracletx

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the structured logging contract shared by the orchestrator,
// the stores and the domain service. Call sites pass alternating
// key/value pairs, slog style.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts an existing slog.Logger, letting callers pick the
// handler, level and sink.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogLogger{logger: l}
}

// NewDefaultLogger logs text to stdout at slog's default level.
func NewDefaultLogger() Logger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func (l *slogLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *slogLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *slogLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &slogLogger{logger: l.logger.With(args...)}
}

type nopLogger struct{}

// NewNopLogger returns a logger that discards everything. Handy for tests.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(context.Context, string, ...interface{}) {}
func (nopLogger) Info(context.Context, string, ...interface{})  {}
func (nopLogger) Warn(context.Context, string, ...interface{})  {}
func (nopLogger) Error(context.Context, string, ...interface{}) {}
func (n nopLogger) WithFields(map[string]interface{}) Logger    { return n }
