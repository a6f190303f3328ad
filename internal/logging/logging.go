// Package logging sets up the process-wide slog.Logger from config, the way
// the teacher's gameserver/login packages log directly through the log/slog
// package rather than a third-party logging library.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog.Logger at the level named by levelName ("debug",
// "info", "warn", "error"; unrecognized or empty falls back to "info").
func New(levelName string) *slog.Logger {
	level := parseLevel(levelName)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs logger as the process-wide slog default, so packages
// that call slog.Warn/slog.Error directly (the teacher's own convention)
// pick it up without threading a *slog.Logger through every call site.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
