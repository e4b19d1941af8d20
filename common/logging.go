// Package common contains cross-cutting helpers shared by all binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName tags metrics and logs emitted by this module.
const PackageName = "enclaved"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process-wide slog logger.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// SetupLogger creates the process logger. JSON output is meant for log
// collectors, text for interactive use.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
