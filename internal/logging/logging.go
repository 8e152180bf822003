// Package logging builds the slog loggers used by every cui component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger returns a logger on stderr. Stdout belongs to the interactive
// session and to command output such as `cui status`.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger on w. format is "json" or anything
// else for logfmt-style text.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps a config or flag value to a level. Unknown values are INFO.
func ParseLevel(s string) slog.Level {
	if level, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level
	}
	return slog.LevelInfo
}

// SessionLevel picks the level for a process that owns a raw terminal.
// Info lines interleaved with a remote shell are noise, so unless the user
// asked for a level explicitly the floor is raised to WARN.
func SessionLevel(requested string, explicit, attached bool) slog.Level {
	level := ParseLevel(requested)
	if attached && !explicit && level < slog.LevelWarn {
		return slog.LevelWarn
	}
	return level
}
