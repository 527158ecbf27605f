package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a slog.Logger configured for the given service name. Output is JSON unless stdout
// is a terminal.
func New(service string, level slog.Level) *slog.Logger {
	return slog.New(newHandler(os.Stdout, isTerminal(os.Stdout), level)).With("service", service)
}

// NewWithFile writes JSON logs to a size-rotated file at path as well as stdout.
// An empty path behaves like New.
func NewWithFile(service string, level slog.Level, path string) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(path) == "" {
		return New(service, level), nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	h := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service), file
}

// ParseLevel maps debug, info, warn and error to slog levels; anything else is info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

func newHandler(w io.Writer, text bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if text {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
