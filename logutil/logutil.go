// Package logutil adds a Trace level below slog.LevelDebug for the very
// high-frequency per-token/per-layer logging the decode loop would
// otherwise flood stderr with even at debug level.
package logutil

import (
	"context"
	"log/slog"
	"os"
)

// LevelTrace sits one notch below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: levelFromEnv(),
}))

func levelFromEnv() slog.Level {
	switch os.Getenv("WGPUINFER_LOG_LEVEL") {
	case "trace":
		return LevelTrace
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

// Trace logs at LevelTrace. Cheap to call unconditionally: the handler's
// level check short-circuits before any argument is formatted.
func Trace(msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Logger returns the package-level logger, for callers that want to attach
// it to a component (e.g. slog.SetDefault in cmd/runner's main).
func Logger() *slog.Logger {
	return logger
}
