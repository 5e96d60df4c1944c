package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	goplugin "plugin"
)

// SymbolName is the identifier a plugin binary must export.
const SymbolName = "Plugin"

// Loader turns a manifest path into a Plugin.
type Loader interface {
	Load(path string) (Plugin, error)
}

// SharedObjectLoader opens Go plugin shared objects (.so) built with -buildmode=plugin.
type SharedObjectLoader struct{}

// Load implements Loader.
func (SharedObjectLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	symbol, err := so.Lookup(SymbolName)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", SymbolName, path, err)
	}
	p, err := fromSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// StaticLoader resolves manifest paths to plugins linked into the host binary,
// keyed by the base name of the path ("textstats.so").
type StaticLoader map[string]func() Plugin

// Load implements Loader.
func (l StaticLoader) Load(path string) (Plugin, error) {
	name := filepath.Base(path)
	build, ok := l[name]
	if !ok || build == nil {
		return nil, fmt.Errorf("plugin %q is not linked into this binary", name)
	}
	return build(), nil
}

// fromSymbol accepts a Plugin value, a pointer to one, or a constructor.
func fromSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case func() (Plugin, error):
		return p()
	}
	return nil, fmt.Errorf("symbol %s has type %T, want plugin.Plugin", SymbolName, symbol)
}
