package testutil

import (
	"context"
	"io"
	"log/slog"
	"time"

	"kyc/pkg/requestcontext"
)

// DiscardLogger returns a logger that drops everything, for constructors
// that require one.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixedTimeContext returns a context carrying a fixed request time.
func FixedTimeContext(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}
