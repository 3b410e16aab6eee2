// Package logctx carries a request-scoped slog.Logger through contexts and
// stamps otel trace ids onto log records so session logs line up with spans.
package logctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithLogger stores logger in ctx for everything running below it.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// LoggerFromContext returns the logger stored by WithLogger, falling back to
// slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}
