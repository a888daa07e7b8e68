package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/bote/pkg/plugin"
)

// ErrUnknownNative is returned when a manifest names a catalog entry that
// was not compiled in.
var ErrUnknownNative = errors.New("native module not in catalog")

// Factory builds a fresh native module. It is called once per load.
type Factory func() *plugin.Module

// Catalog is the static table of natively compiled modules.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (c *Catalog) Register(name string, f Factory) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
	return c
}

// Lookup returns the named factory.
func (c *Catalog) Lookup(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluator turns a script file into a module.
type Evaluator interface {
	Evaluate(ctx context.Context, path string) (*plugin.Module, error)
}

// Loader resolves directory entries and evaluates them.
type Loader struct {
	catalog *Catalog
	script  Evaluator
}

// NewLoader creates a loader. Either argument may be nil, disabling that kind.
func NewLoader(catalog *Catalog, script Evaluator) *Loader {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Loader{catalog: catalog, script: script}
}

// Load resolves path and evaluates the module it points at.
func (l *Loader) Load(ctx context.Context, path string) (*plugin.Module, error) {
	src, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	return l.Evaluate(ctx, src)
}

// Evaluate produces a module from a resolved source.
func (l *Loader) Evaluate(ctx context.Context, src Source) (*plugin.Module, error) {
	switch src.Kind {
	case KindNative:
		f, ok := l.catalog.Lookup(src.Native)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNative, src.Native)
		}
		m := f()
		if m == nil {
			return nil, fmt.Errorf("native module %q: factory returned nil", src.Native)
		}
		return m, nil
	case KindLua:
		if l.script == nil {
			return nil, fmt.Errorf("%w: lua support disabled: %s", ErrUnsupported, src.Entry)
		}
		return l.script.Evaluate(ctx, src.Entry)
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnsupported, src.Kind)
}
