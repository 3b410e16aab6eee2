package logctx

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithLogger_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestLoggerFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
