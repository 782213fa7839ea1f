// Package logger builds the slog loggers the rest of the SDK hangs off.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON logger at the given level. Every subsystem logger is
// derived from this one with With, so account and room attributes survive
// into nested components.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// ForAccount scopes a logger to one logged-in account.
func ForAccount(base *slog.Logger, userID, deviceID string) *slog.Logger {
	return base.With("user", userID, "device", deviceID)
}
