package lua

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/pkg/plugin"
)

var _ module.Evaluator = (*Evaluator)(nil)

// ErrBadModule is returned when a file does not return a plugin table.
var ErrBadModule = errors.New("lua file does not return a plugin table")

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCallTimeout bounds every call from Go into Lua. Zero means no bound
// beyond the caller's context.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// Evaluator turns Lua files into plugin modules.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates a Lua evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs path in a fresh state and builds a module from the table it
// returns. The state lives until the module's Close is called.
func (e *Evaluator) Evaluate(ctx context.Context, path string) (*plugin.Module, error) {
	st := newState(e.timeout)
	ret, err := st.doFile(ctx, path)
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("evaluate %s: %w", path, err)
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		_ = st.close()
		return nil, fmt.Errorf("%w: %s returned %s", ErrBadModule, path, ret.Type())
	}

	m, err := buildModule(st, tbl)
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func buildModule(st *state, tbl *lua.LTable) (*plugin.Module, error) {
	desc, ok := tbl.RawGetString("descriptor").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: missing descriptor table", ErrBadModule)
	}
	m := &plugin.Module{
		Descriptor: parseDescriptor(desc),
		Exports:    plugin.Exports{},
		Close:      st.close,
	}

	if fn, ok := tbl.RawGetString("main").(*lua.LFunction); ok {
		m.Main = plugin.EntryPoint(hook(st, fn))
	}

	if ex, ok := tbl.RawGetString("exports").(*lua.LTable); ok {
		ex.ForEach(func(k, v lua.LValue) {
			if fn, ok := v.(*lua.LFunction); ok {
				m.Exports[k.String()] = export(st, fn)
			}
		})
	}

	if hooks, ok := tbl.RawGetString("hooks").(*lua.LTable); ok {
		if fn, ok := hooks.RawGetString("on_unload").(*lua.LFunction); ok {
			m.Hooks.OnUnload = hook(st, fn)
		}
		if fn, ok := hooks.RawGetString("on_reload").(*lua.LFunction); ok {
			m.Hooks.OnReload = hook(st, fn)
		}
	}
	return m, nil
}

func parseDescriptor(t *lua.LTable) plugin.Descriptor {
	d := plugin.Descriptor{
		Name:    lua.LVAsString(t.RawGetString("name")),
		Version: lua.LVAsString(t.RawGetString("version")),
	}
	d.DisplayName = lua.LVAsString(t.RawGetString("display_name"))
	if d.DisplayName == "" {
		d.DisplayName = lua.LVAsString(t.RawGetString("displayName"))
	}
	d.Authors = stringList(t.RawGetString("authors"))
	if len(d.Authors) == 0 {
		d.Authors = stringList(t.RawGetString("author"))
	}
	d.Dependencies = stringList(t.RawGetString("dependencies"))
	for _, f := range stringList(t.RawGetString("flags")) {
		d.Flags = append(d.Flags, plugin.Flag(f))
	}
	return d
}

// hook calls fn with a fresh bote table bound to the plugin's context.
func hook(st *state, fn *lua.LFunction) plugin.Hook {
	return func(ctx context.Context, pc plugin.Context) error {
		a := &api{st: st, pc: pc}
		_, err := st.call(ctx, fn, 0, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{a.table(L)}
		})
		return err
	}
}

func export(st *state, fn *lua.LFunction) plugin.ExportFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		out, err := st.call(ctx, fn, 1, func(L *lua.LState) []lua.LValue {
			argv := make([]lua.LValue, len(args))
			for i, a := range args {
				argv[i] = toLua(L, a)
			}
			return argv
		})
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out[0], nil
	}
}
