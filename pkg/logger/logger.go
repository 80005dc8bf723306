// Package logger builds the process logger. It is created once in the
// CLI and handed to every component; Close must run on shutdown so the
// log file is flushed.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	// File, when set, receives a copy of every record (append mode).
	File  string
	Level string
}

type Logger struct {
	*slog.Logger
	file *os.File
}

// New initializes the logger with console output and optional file output.
func New(opts Options) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if opts.File != "" {
		var err error
		f, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stdout, f)
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	return &Logger{Logger: slog.New(h), file: f}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
