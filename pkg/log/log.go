// Package log configures the process-wide structured logger.
package log

import (
	"log/slog"
	"os"
	"strings"
)

var level slog.LevelVar

// Setup installs the default slog handler at the given level. Unknown level
// strings fall back to info.
func Setup(logLevel string) {
	level.Set(ParseLevel(logLevel))

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	})))
}

// SetLevel adjusts the level of the installed handler at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithModule returns a logger tagged with the engine component name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
