package testutil

import (
	"log/slog"
	"os"
)

// Logger returns a logger that only reports errors, keeping test output quiet
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
