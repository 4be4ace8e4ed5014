// Package logging implements service.Logger over the standard library's
// log/slog: structured key-value logging without a third-party logging
// dependency.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/kvet/queuert/internal/domain/service"
)

// SlogLogger adapts *slog.Logger to service.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New builds a SlogLogger writing to stdout at the given level. format
// selects the handler: "text" renders the human-readable console format
// slog uses for local development, anything else (including "") renders
// JSON for log aggregation in production.
func New(level slog.Level, format string) *SlogLogger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &SlogLogger{logger: slog.New(handler)}
}

// Wrap adapts an existing *slog.Logger.
func Wrap(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) With(args ...any) service.Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

// WithContext attaches no extra fields today but exists for callers that
// thread request/worker ids through context rather than passing them to
// With explicitly.
func (l *SlogLogger) WithContext(ctx context.Context) service.Logger {
	return l
}

var _ service.Logger = (*SlogLogger)(nil)
