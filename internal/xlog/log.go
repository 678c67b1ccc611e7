// Package xlog is a thin wrapper around log/slog providing the small set
// of level-tagged helpers used throughout this module, mirroring the
// package-level logger idiom demonstrated by the upstream examples this
// module was built from.
package xlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Debug logs at debug level, formatting args into format if any are given.
func Debug(format string, args ...any) { emit(slog.LevelDebug, format, args...) }

// Info logs at info level.
func Info(format string, args ...any) { emit(slog.LevelInfo, format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...any) { emit(slog.LevelWarn, format, args...) }

// Error logs at error level.
func Error(format string, args ...any) { emit(slog.LevelError, format, args...) }

func emit(level slog.Level, format string, args ...any) {
	if !logger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	_ = logger.Handler().Handle(context.Background(), slog.NewRecord(time.Now(), level, msg, 0))
}

// SetLevel replaces the package logger's minimum emitted level.
func SetLevel(lvl string) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelFromString(lvl)}))
}

func levelFromString(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
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
