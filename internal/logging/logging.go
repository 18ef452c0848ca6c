// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
)

// Init builds the root logger: text at debug level in development,
// JSON at info level otherwise. It also becomes the slog default.
func Init(env string) *slog.Logger {
	var handler slog.Handler
	if env == "development" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
