// Package logging builds the structured logger shared by every subsystem.
package logging

import (
	"log/slog"
	"os"
)

// New constructs a JSON slog.Logger for the given level string. Unknown
// level strings default to INFO. AddSource is enabled only at debug level.
func New(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
