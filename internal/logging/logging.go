package logging

import (
	"log/slog"
	"os"
)

// Init installs the default slog logger. The level comes from LOG_LEVEL.
func Init() {
	level := slog.LevelError // default: production only shows errors

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l)
	}
	SetLevel(level)
}

// ParseLevel maps the LOG_LEVEL vocabulary onto slog levels.
func ParseLevel(l string) slog.Level {
	switch l {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// SetLevel replaces the default logger with one at the given level.
func SetLevel(level slog.Level) {
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}
