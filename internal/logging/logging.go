// Package logging builds the process-wide structured logger. Components get
// their own scoped children via logger.With("component", ...), so every line
// names the part of the pipeline it came from.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text logger on stdout filtering at the named level. Unknown
// names fall back to debug so a typo surfaces everything instead of hiding
// it.
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
