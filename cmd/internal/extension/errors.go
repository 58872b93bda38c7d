package extension

import (
	"errors"
	"fmt"

	sdk "lumen/shared/extension"
)

var (
	// ErrUnknownSource is returned for a source the extension does not declare.
	ErrUnknownSource = sdk.ErrUnknownSource

	// ErrSourceDisabled is returned when a source was disabled in settings.
	ErrSourceDisabled = errors.New("extension: data source disabled")

	ErrReservedCode  = errors.New("extension: code is reserved")
	ErrDuplicateCode = errors.New("extension: code already loaded")
	ErrBadSymbol     = errors.New("extension: constructor symbol has wrong type")
	ErrNilModule     = errors.New("extension: constructor returned nil")
	ErrBadSource     = errors.New("extension: invalid source declaration")
	ErrClosed        = errors.New("extension: closed")
)

// LoadError describes why a module file was not accepted.
type LoadError struct {
	Path string
	Code string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("extension %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("extension %s (%s): %v", e.Path, e.Code, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
