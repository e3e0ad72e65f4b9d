// Package plugin loads external collaborators from a plugins directory
// (spec.md §6 "Plugins"): each file exports a constructor the proxy calls to
// obtain a proxy.Plugin, which then subscribes to events on the client or
// server bus exactly like a built-in plugin.
//
// Go has no third-party dynamic-loading library in active use across the
// example pack; the standard library's plugin.Open/Lookup is the only
// mechanism capable of loading a *.so at runtime, so it is used directly
// here rather than hand-rolled (see DESIGN.md).
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	pluginpkg "plugin"
	"strings"

	"github.com/infodancer/imaproxy/internal/proxy"
)

// ConstructorSymbol is the exported name every plugin file must provide: a
// func() proxy.Plugin that the loader looks up via plugin.Lookup.
const ConstructorSymbol = "New"

// Loader discovers and opens external plugins from a directory at startup.
type Loader struct {
	logger *slog.Logger
}

// NewLoader returns a Loader that logs load failures through logger.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load opens every "*.so" file in dir and calls its exported New
// constructor. A file that fails to open, is missing the New symbol, or
// whose symbol has the wrong type is logged and skipped — the rest of the
// directory still loads (spec.md §7 "Plugin load failure: logged; other
// plugins proceed"). An empty or missing dir yields no plugins and no
// error.
func (l *Loader) Load(dir string) []proxy.Plugin {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("plugin directory unreadable", "dir", dir, "error", err)
		}
		return nil
	}

	var loaded []proxy.Plugin
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := l.loadOne(path)
		if err != nil {
			l.logger.Error("plugin load failed", "path", path, "error", err)
			continue
		}
		l.logger.Info("plugin loaded", "path", path, "name", p.Name())
		loaded = append(loaded, p)
	}
	return loaded
}

func (l *Loader) loadOne(path string) (proxy.Plugin, error) {
	handle, err := pluginpkg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plugin: %w", err)
	}
	sym, err := handle.Lookup(ConstructorSymbol)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", ConstructorSymbol, err)
	}
	ctor, ok := sym.(func() proxy.Plugin)
	if !ok {
		return nil, fmt.Errorf("exported %s has the wrong signature, want func() proxy.Plugin", ConstructorSymbol)
	}
	p := ctor()
	if p == nil {
		return nil, fmt.Errorf("%s returned a nil Plugin", ConstructorSymbol)
	}
	return p, nil
}
