// Package logging configures the process-wide slog logger. Subtun passes
// the resulting *slog.Logger into every component explicitly rather than
// relying solely on slog's global default, so tests can inject a discard
// logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls handler selection and optional file rotation.
type Config struct {
	// Production selects the JSON handler at info level; the default
	// (false) selects a human-readable text handler at debug level.
	Production bool
	// File, if set, routes output through a rotating lumberjack writer
	// instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup builds a handler per cfg, installs it as slog's default, and
// returns the logger plus the lumberjack writer (nil unless cfg.File is
// set) so the caller can Close it during shutdown.
func Setup(cfg Config) (*slog.Logger, *lumberjack.Logger) {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger
	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler
	if cfg.Production {
		opts.Level = slog.LevelInfo
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, lj
}
