package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	Stdout = "stdout"
	Stderr = "stderr"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Open returns an append-only destination for a log. "stdout" and "stderr"
// map to the process streams and are never closed; anything else is a file
// path, created if missing.
func Open(path string) (io.WriteCloser, error) {
	switch path {
	case Stdout, "":
		return nopCloser{os.Stdout}, nil
	case Stderr:
		return nopCloser{os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	return f, nil
}

// NewAccessLogger writes one JSON line per request. Level and message are
// dropped so each line carries only the request fields and the time.
func NewAccessLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && (a.Key == slog.LevelKey || a.Key == slog.MessageKey) {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// NewErrorLogger writes one JSON line per failure at warn level and above.
func NewErrorLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
