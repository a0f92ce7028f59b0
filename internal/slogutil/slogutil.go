// Package slogutil wires slog up with file rotation and context-carried
// attributes.
package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/odz123/nzbdav/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the default logger. When a log file is set, output goes
// to both the console and a rotated file.
func Setup(cfg config.LogConfig) *slog.Logger {
	var writer io.Writer = os.Stdout

	if cfg.File != "" {
		writer = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})

	logger := slog.New(wrapHandler(handler))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
