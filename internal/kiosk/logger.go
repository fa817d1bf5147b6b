package kiosk

import (
	"io"
	"log/slog"
	"math"

	"kiosk-go/internal/reconcile"
)

// Logger receives the service's structured events. The matcher and the
// outbox take subsets of it; a *slog.Logger satisfies it directly.
type Logger interface {
	reconcile.Logger
}

// NewNopLogger returns a Logger that drops every event.
func NewNopLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
}
