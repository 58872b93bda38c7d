package extension

import (
	"fmt"
	"plugin"
	"strings"

	sdk "lumen/shared/extension"
)

// libSuffixes are the shared-library extensions scanned by LoadAll.
var libSuffixes = []string{".so", ".dylib", ".dll"}

func isLibrary(name string) bool {
	lower := strings.ToLower(name)
	for _, suf := range libSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// Opener turns a library path into a module.
type Opener interface {
	Open(path string) (sdk.Module, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (sdk.Module, error)

func (f OpenerFunc) Open(path string) (sdk.Module, error) { return f(path) }

// PluginOpener loads Go plugins built with -buildmode=plugin. A plugin cannot be
// unmapped once opened; rejected modules are shut down and dropped instead.
type PluginOpener struct{}

func (PluginOpener) Open(path string) (sdk.Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}

	sym, err := p.Lookup(sdk.ConstructorSymbol)
	if err != nil {
		return nil, err
	}

	ctor, ok := sym.(func() sdk.Module)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrBadSymbol, sdk.ConstructorSymbol, sym)
	}

	mod := ctor()
	if mod == nil {
		return nil, ErrNilModule
	}
	return mod, nil
}
