package logging

import (
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

func init() {
	Logger = newLogger(os.Getenv("LOG_LEVEL"))
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// SetLevel replaces the process logger with one at the given level.
// Called once after config is loaded.
func SetLevel(level string) {
	Logger = newLogger(level)
}

func WithComponent(component string) *slog.Logger {
	return Logger.With("component", component)
}
