package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ParseLevel accepts none, error, warn, info and debug. "none" maps to a
// level above every record.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "none":
		return slog.LevelError + 4, nil
	case "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("unexpected log level %q", level)
}

// NewLogger builds the process logger. When LogFile is set records are
// appended there instead of stderr; the returned closer must be closed on
// exit.
func NewLogger(cfg *Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}

	return slog.New(newHandler(out, cfg.LogFormat, level)), closer, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
