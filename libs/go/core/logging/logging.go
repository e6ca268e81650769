package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level is shared by every handler Init creates so the level can be changed at runtime.
var level = new(slog.LevelVar)

// Init configures a global slog logger. JSON if PSERVER_JSON_LOG=1/true/json else text.
func Init(service string) *slog.Logger {
	return InitWriter(service, os.Stdout)
}

// InitWriter is Init with an explicit destination.
func InitWriter(service string, w io.Writer) *slog.Logger {
	mode := strings.ToLower(os.Getenv("PSERVER_JSON_LOG"))
	json := mode == "1" || mode == "true" || mode == "json"
	level.Set(ParseLevel(os.Getenv("PSERVER_LOG_LEVEL")))
	opts := &slog.HandlerOptions{AddSource: false, Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json, "level", level.Level().String())
	return logger
}

// SetLevel changes the level of every logger created by Init.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level reports the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}
