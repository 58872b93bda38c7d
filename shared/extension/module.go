package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ConstructorSymbol is the exported symbol the broker looks up in a plugin.
const ConstructorSymbol = "NewModule"

// Constructor is the type of the ConstructorSymbol function.
type Constructor = func() Module

var (
	ErrUnknownSource = errors.New("extension: unknown data source")
	ErrInvalidCode   = errors.New("extension: invalid code")
)

// Info identifies a module. Code is the short name widgets use as a subscribe/query target.
type Info struct {
	Code        string
	Name        string
	Version     string
	Author      string
	Description string
	Website     string
}

// Source declares one named data source.
//
// Refresh > 0: the broker signals the source on that interval while it has subscribers.
// Refresh == 0: the module signals it through Host.SignalDataReady.
// Refresh < 0: the source is only ever polled with query.
type Source struct {
	Name    string
	Refresh time.Duration
}

// Module is implemented by every extension.
type Module interface {
	Info() Info
	Sources() []Source

	// Init is called once after the broker accepted the module.
	Init(host Host) error

	// Data returns the current value for source. The value is JSON-encoded as is.
	Data(ctx context.Context, source string) (any, error)

	Shutdown() error
}

// Configurable is implemented by modules that expose user settings.
type Configurable interface {
	Settings() *Schema

	// ApplySettings is called before Init and again whenever persisted values change.
	ApplySettings(values Values) error
}

// Host is the broker side of the contract, handed to Module.Init.
type Host interface {
	// SignalDataReady queues one fan-out of source to every subscriber.
	SignalDataReady(source string)

	// WaitDataProcessed blocks until every signal issued so far for source has been fanned out.
	WaitDataProcessed(ctx context.Context, source string) error

	Logger() *slog.Logger
}

// ValidateCode reports whether code can be used as an extension code.
func ValidateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if strings.ContainsAny(code, " \t\r\n/,") {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return nil
}
