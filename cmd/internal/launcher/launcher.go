// Package launcher starts the named commands behind the launcher query target.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"lumen/cmd/internal/settings"
)

var (
	ErrEmptyFile   = errors.New("launcher: empty file")
	ErrUnsupported = errors.New("launcher: opening URLs is not supported on this platform")
)

// Launcher starts a persisted launcher entry without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, e settings.LaunchEntry) error
}

// Func adapts a function to Launcher.
type Func func(ctx context.Context, e settings.LaunchEntry) error

func (f Func) Launch(ctx context.Context, e settings.LaunchEntry) error { return f(ctx, e) }

// Exec launches entries as detached OS processes. URLs (anything containing "://")
// are handed to the platform opener.
type Exec struct {
	log  *slog.Logger
	goos string

	// start runs the prepared command. Replaced in tests.
	start func(*exec.Cmd) error
}

func NewExec(log *slog.Logger) *Exec {
	if log == nil {
		log = slog.Default()
	}
	return &Exec{log: log, goos: runtime.GOOS, start: startDetached}
}

func (x *Exec) Launch(_ context.Context, e settings.LaunchEntry) error {
	cmd, err := x.command(e)
	if err != nil {
		return err
	}

	x.log.Info("launcher.start", "file", e.File, "args", cmd.Args[1:], "dir", cmd.Dir)
	if err := x.start(cmd); err != nil {
		return fmt.Errorf("launcher: start %s: %w", e.File, err)
	}
	return nil
}

func (x *Exec) command(e settings.LaunchEntry) (*exec.Cmd, error) {
	file := strings.TrimSpace(e.File)
	if file == "" {
		return nil, ErrEmptyFile
	}

	if strings.Contains(file, "://") {
		name, args, err := urlOpener(x.goos)
		if err != nil {
			return nil, err
		}
		return exec.Command(name, append(args, file)...), nil
	}

	// Existing paths are resolved to their canonical form; anything else goes through PATH.
	if _, err := os.Stat(file); err == nil {
		if abs, err := filepath.Abs(file); err == nil {
			file = abs
		}
		if real, err := filepath.EvalSymlinks(file); err == nil {
			file = real
		}
	}

	cmd := exec.Command(file, strings.Fields(e.Arguments)...)
	cmd.Dir = strings.TrimSpace(e.StartPath)
	return cmd, nil
}

func urlOpener(goos string) (string, []string, error) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler"}, nil
	case "darwin":
		return "open", nil, nil
	case "linux", "freebsd", "openbsd", "netbsd", "dragonfly":
		return "xdg-open", nil, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnsupported, goos)
}

// startDetached starts cmd and reaps it in the background.
func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
