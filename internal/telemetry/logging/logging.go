// Package logging bootstraps the process-wide slog logger. Grounded on
// the teacher's libs/go/core/logging package: same env-driven
// JSON-vs-text handler selection and level parsing, renamed to this
// module's own env var prefix.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures and installs a global slog logger tagged with service,
// returning it for callers that want to hold their own reference.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("FLOWKEEPER_JSON_LOG"))
	jsonMode := mode == "1" || mode == "true" || mode == "json"

	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("FLOWKEEPER_LOG_LEVEL")) {
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
