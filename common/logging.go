// Package common holds shared service plumbing: logger bootstrap and build
// version.
package common

import (
	"log/slog"
	"os"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// PackageName tags metrics and logs across all binaries.
const PackageName = "recovery-backend"

type LoggingOpts struct {
	// Debug enables debug-level logging.
	Debug bool
	// JSON switches to JSON log output.
	JSON bool
	// Service is added as 'service' tag to every log line, if set.
	Service string
	// Version is added as 'version' tag to every log line, if set.
	Version string
}

// SetupLogger builds the process-wide slog logger and installs it as the
// default.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	var logLevel slog.Level
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}

	slog.SetDefault(logger)
	return logger
}
