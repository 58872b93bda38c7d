package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Run is the CLI entrypoint used by cmd/lumen.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := ParseFlags(&cfg, args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, logFile, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
