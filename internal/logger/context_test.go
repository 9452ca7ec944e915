package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext(t *testing.T) {
	t.Parallel()

	t.Run("Should return the injected logger instance when present", func(t *testing.T) {
		// Arrange
		expectedLogger := slog.New(slog.NewJSONHandler(io.Discard, nil))

		// Act
		ctx := WithContext(context.Background(), expectedLogger)
		got := FromContext(ctx)

		// Assert
		assert.Same(t, expectedLogger, got)
	})

	t.Run("Should return the global default logger when context is empty", func(t *testing.T) {
		currentDefault := slog.Default()

		got := FromContext(context.Background())

		assert.Same(t, currentDefault, got, "Should fallback to slog.Default() to avoid nil panic")
	})

	t.Run("Should enrich the request logger with attributes", func(t *testing.T) {
		// Arrange
		var buf bytes.Buffer
		base := slog.New(slog.NewTextHandler(&buf, nil))
		ctx := WithContext(context.Background(), base)

		// Act
		ctx = With(ctx, "traversal_id", "abc")
		FromContext(ctx).Info("answered")

		// Assert
		assert.Contains(t, buf.String(), "traversal_id=abc")
		assert.Contains(t, buf.String(), "msg=answered")
	})
}
