package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger builds the process logger from cfg and installs it as the slog default.
// The returned closer releases the log file, if any.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	tty := term.IsTerminal(int(os.Stdout.Fd()))

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
		// ANSI codes would end up in the file.
		tty = false
	}

	log := slog.New(newHandler(out, cfg.LogFormat, parseLogLevel(cfg.LogLevel), tty))
	slog.SetDefault(log)
	return log, closer, nil
}

// newHandler picks the handler for format. "auto" means pretty on a terminal and JSON otherwise.
func newHandler(w io.Writer, format string, level slog.Level, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, AddSource: true}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return slog.NewTextHandler(w, opts)
	case "pretty":
		return newPrettyHandler(w, opts, tty)
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		if tty {
			return newPrettyHandler(w, opts, true)
		}
		return slog.NewJSONHandler(w, opts)
	}
}
