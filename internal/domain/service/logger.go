package service

import "context"

// Logger abstracts structured logging operations so adapters (slog, or
// anything else) plug in the same way.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a new logger with the given key-value pairs attached to
	// every subsequent call.
	With(args ...any) Logger

	// WithContext returns a new logger that may enrich output with values
	// carried on ctx (request id, worker id, ...).
	WithContext(ctx context.Context) Logger
}
