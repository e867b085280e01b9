// Package logging builds the slog loggers used by the zentrias binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MattCruikshank/zentrias/internal/config"
	"github.com/natefinch/lumberjack"
)

// New returns a logger for cfg and the writer backing it. When cfg.File is
// set the writer rotates files and must be closed by the caller.
func New(cfg config.LogConfig) (*slog.Logger, io.WriteCloser, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), w, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
