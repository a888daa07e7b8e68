// Package registry manages plugin lifecycle: discovery, loading, entrypoint
// invocation, unload and reload of bote plugins. Every instance is keyed by
// its unique descriptor name, which is also the ownership key for the
// subscriptions and commands it registers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/bote/internal/command"
	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/pkg/plugin"
)

var (
	// ErrNotFound is returned when operating on a plugin that is not loaded.
	ErrNotFound = errors.New("plugin not loaded")

	// ErrUnloadRejected is returned when unloading a protected plugin.
	ErrUnloadRejected = errors.New("plugin cannot be unloaded")

	// ErrReloadRejected is returned when reloading a protected plugin.
	ErrReloadRejected = errors.New("plugin cannot be reloaded")

	// ErrContextClosed is returned when a plugin uses its context after
	// it was unloaded.
	ErrContextClosed = errors.New("plugin context closed")
)

// LoadError reports a failure to load one directory entry.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Bus is the event bus surface the registry needs.
type Bus interface {
	plugin.EventBus
	Subscriptions(owner string) []plugin.SubscriptionID
}

// Instance is a loaded plugin.
type Instance struct {
	Module   *plugin.Module
	Source   string // path it was loaded from; empty for installed modules
	LoadedAt time.Time

	ctx     *pluginContext
	started bool
}

// Name returns the unique plugin name.
func (i *Instance) Name() string { return i.Module.Descriptor.Name }

// Descriptor returns the plugin metadata.
func (i *Instance) Descriptor() plugin.Descriptor { return i.Module.Descriptor }

// System reports whether the plugin is flagged as part of the runtime.
func (i *Instance) System() bool { return i.Module.Descriptor.Has(plugin.FlagSystem) }

// Context returns the plugin's runtime context.
func (i *Instance) Context() plugin.Context { return i.ctx }

func (i *Instance) close() error {
	if i.Module.Close == nil {
		return nil
	}
	return i.Module.Close()
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxParallel bounds concurrent loads and entrypoint calls.
func WithMaxParallel(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithConfig sets the configuration tree plugins read from. Each plugin sees
// the subtree under its own name.
func WithConfig(cfg plugin.Config) Option {
	return func(r *Registry) { r.config = cfg }
}

// WithServicesHook registers a callback that receives managed services
// contributed by entrypoints, both from InvokeMainAll and from Reload.
func WithServicesHook(fn func(services map[string]any)) Option {
	return func(r *Registry) { r.servicesHook = fn }
}

// Registry owns the table of loaded plugin instances.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	scoped    map[string]string // "author:Title" -> name
	order     []string          // load order
	locks     map[string]*sync.Mutex

	bus          Bus
	router       *command.Router
	loader       *module.Loader
	config       plugin.Config
	servicesHook func(map[string]any)
	maxParallel  int
	logger       *zap.Logger
}

// New creates a plugin registry.
func New(bus Bus, router *command.Router, loader *module.Loader, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		instances:   make(map[string]*Instance),
		scoped:      make(map[string]string),
		locks:       make(map[string]*sync.Mutex),
		bus:         bus,
		router:      router,
		loader:      loader,
		maxParallel: runtime.GOMAXPROCS(0),
		logger:      logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LoadAll loads every candidate entry of dir concurrently. The directory is
// created if missing; failing to create or read it is returned as is. Each
// entry that fails to load is reported as a *LoadError in the joined error
// while the remaining entries still load.
func (r *Registry) LoadAll(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugin directory: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.maxParallel)

	for _, e := range entries {
		if !module.Candidate(e.Name(), e.IsDir()) {
			r.logger.Debug("skipping plugin directory entry", zap.String("entry", e.Name()))
			continue
		}
		path := filepath.Join(dir, e.Name())
		g.Go(func() error {
			if _, err := r.LoadOne(ctx, path); err != nil {
				loadFailures.Inc()
				r.logger.Error("failed to load plugin", zap.String("path", path), zap.Error(err))
				mu.Lock()
				errs = append(errs, &LoadError{Path: path, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("plugin directory loaded",
		zap.String("dir", dir),
		zap.Int("loaded", r.Len()),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// LoadOne resolves and evaluates a single plugin entry and registers it.
func (r *Registry) LoadOne(ctx context.Context, path string) (*Instance, error) {
	m, err := r.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return r.install(m, path)
}

// Install registers an already built module, e.g. one compiled into the
// binary. Its entrypoint runs on the next InvokeMainAll.
func (r *Registry) Install(m *plugin.Module) (*Instance, error) {
	return r.install(m, "")
}

func (r *Registry) install(m *plugin.Module, source string) (*Instance, error) {
	if err := m.Validate(); err != nil {
		if m != nil && m.Close != nil {
			_ = m.Close()
		}
		return nil, err
	}
	name := m.Descriptor.Name
	inst := &Instance{
		Module:   m,
		Source:   source,
		LoadedAt: time.Now(),
	}
	inst.ctx = r.newContext(inst)

	r.mu.Lock()
	old, collided := r.instances[name]
	if collided {
		r.removeLocked(name)
	}
	r.instances[name] = inst
	r.scoped[m.Descriptor.ScopedName()] = name
	r.order = append(r.order, name)
	r.mu.Unlock()

	if collided {
		r.logger.Warn("plugin name collision, replacing previous instance",
			zap.String("name", name),
			zap.String("previous_source", old.Source),
			zap.String("source", source),
		)
		old.ctx.close()
		r.revoke(name)
		if err := old.close(); err != nil {
			r.logger.Warn("failed to close replaced plugin", zap.String("name", name), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("name", name),
		zap.String("scoped", m.Descriptor.ScopedName()),
		zap.String("version", m.Descriptor.Version),
	}
	if inst.System() {
		r.logger.Debug("system plugin loaded", fields...)
	} else {
		r.logger.Info("plugin loaded", fields...)
	}
	pluginsLoaded.Set(float64(r.Len()))
	return inst, nil
}

// InvokeMainAll runs the entrypoint of every instance that has not started
// yet, concurrently. Managed services are merged in load order, later
// contributions overwriting earlier ones for the same key. Entrypoint
// failures are logged and joined into the returned error; the plugins stay
// loaded.
func (r *Registry) InvokeMainAll(ctx context.Context) (map[string]any, error) {
	r.mu.Lock()
	var pending []*Instance
	for _, name := range r.order {
		inst := r.instances[name]
		if !inst.started {
			inst.started = true
			pending = append(pending, inst)
		}
	}
	r.mu.Unlock()

	r.warnMissingDependencies(pending)

	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, inst := range pending {
		g.Go(func() error {
			errs[i] = r.start(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	services := make(map[string]any)
	for _, inst := range pending {
		for k, v := range inst.ctx.services() {
			services[k] = v
		}
	}
	if len(services) > 0 && r.servicesHook != nil {
		r.servicesHook(services)
	}
	return services, errors.Join(errs...)
}

func (r *Registry) start(ctx context.Context, inst *Instance) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			err = fmt.Errorf("plugin %s: main: %w", inst.Name(), err)
			r.logger.Error("plugin entrypoint failed", zap.String("name", inst.Name()), zap.Error(err))
		}
	}()
	r.logger.Debug("invoking plugin entrypoint", zap.String("name", inst.Name()))
	return inst.Module.Main(ctx, inst.ctx)
}

func (r *Registry) warnMissingDependencies(insts []*Instance) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range insts {
		for _, dep := range inst.Descriptor().Dependencies {
			if _, ok := r.instances[dep]; !ok {
				r.logger.Warn("plugin dependency not loaded",
					zap.String("name", inst.Name()),
					zap.String("dependency", dep),
				)
			}
		}
	}
}

// Unload removes a plugin and everything it registered. Plugins flagged
// no-unload or system are rejected and stay fully registered.
func (r *Registry) Unload(ctx context.Context, name string) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d := inst.Descriptor()
	if d.Has(plugin.FlagNoUnload) || d.Has(plugin.FlagSystem) {
		return fmt.Errorf("%w: %s", ErrUnloadRejected, name)
	}
	r.unload(ctx, inst, false)
	return nil
}

// Reload unloads a plugin and loads it again from the same source, then
// runs its entrypoint and its reload hook.
func (r *Registry) Reload(ctx context.Context, name string) error {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d := inst.Descriptor()
	if d.Has(plugin.FlagNoReload) || d.Has(plugin.FlagNoUnload) || d.Has(plugin.FlagSystem) {
		return fmt.Errorf("%w: %s", ErrReloadRejected, name)
	}
	if inst.Source == "" {
		return fmt.Errorf("%w: %s has no source path", ErrReloadRejected, name)
	}

	r.unload(ctx, inst, true)

	fresh, err := r.LoadOne(ctx, inst.Source)
	if err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}
	if fresh.Name() != name {
		r.logger.Warn("reloaded plugin changed its name",
			zap.String("previous", name),
			zap.String("name", fresh.Name()),
		)
	}

	r.mu.Lock()
	fresh.started = true
	r.mu.Unlock()
	if err := r.start(ctx, fresh); err != nil {
		return err
	}
	if svcs := fresh.ctx.services(); len(svcs) > 0 && r.servicesHook != nil {
		r.servicesHook(svcs)
	}
	if h := fresh.Module.Hooks.OnReload; h != nil {
		if err := h(ctx, fresh.ctx); err != nil {
			return fmt.Errorf("plugin %s: reload hook: %w", fresh.Name(), err)
		}
	}
	r.logger.Info("plugin reloaded", zap.String("name", fresh.Name()))
	return nil
}

// unload runs the unload sequence without flag checks. The caller holds the
// per-name lock.
func (r *Registry) unload(ctx context.Context, inst *Instance, reload bool) {
	name := inst.Name()

	if _, err := r.bus.Emit(ctx, name, plugin.TopicRequestUnload, &plugin.UnloadRequest{Plugin: name, Reload: reload}); err != nil {
		r.logger.Warn("unload request handler failed", zap.String("name", name), zap.Error(err))
	}
	r.mu.RLock()
	started := inst.started
	r.mu.RUnlock()
	if h := inst.Module.Hooks.OnUnload; h != nil && started {
		if err := h(ctx, inst.ctx); err != nil {
			r.logger.Warn("plugin unload hook failed", zap.String("name", name), zap.Error(err))
		}
	}

	inst.ctx.close()
	subs, cmds := r.revoke(name)

	if err := inst.close(); err != nil {
		r.logger.Warn("failed to release plugin", zap.String("name", name), zap.Error(err))
	}

	r.mu.Lock()
	if r.instances[name] == inst {
		r.removeLocked(name)
	}
	r.mu.Unlock()
	pluginsLoaded.Set(float64(r.Len()))
	r.logger.Info("plugin unloaded",
		zap.String("name", name),
		zap.Int("subscriptions", subs),
		zap.Int("commands", cmds),
	)
}

// revoke drops every subscription and command owned by name.
func (r *Registry) revoke(name string) (subs, cmds int) {
	subs = r.bus.UnsubscribeAllForOwner(name)
	cmds = r.router.DeregisterAllForOwner(name)
	return subs, cmds
}

func (r *Registry) removeLocked(name string) {
	inst, ok := r.instances[name]
	if !ok {
		return
	}
	delete(r.instances, name)
	if r.scoped[inst.Descriptor().ScopedName()] == name {
		delete(r.scoped, inst.Descriptor().ScopedName())
	}
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Get returns a plugin by unique name.
func (r *Registry) Get(name string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// GetByScopedName returns a plugin by its "author:Title" form.
func (r *Registry) GetByScopedName(scoped string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.scoped[scoped]
	if !ok {
		return nil, false
	}
	inst, ok := r.instances[name]
	return inst, ok
}

// Lookup accepts either a unique name or a scoped name.
func (r *Registry) Lookup(key string) (*Instance, bool) {
	if inst, ok := r.Get(key); ok {
		return inst, true
	}
	return r.GetByScopedName(key)
}

// All returns every loaded plugin in load order.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.instances[name])
	}
	return out
}

// Len returns the number of loaded plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// RequireExports returns only the symbol table a plugin published.
func (r *Registry) RequireExports(name string) (plugin.Exports, error) {
	inst, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if inst.Module.Exports == nil {
		return plugin.Exports{}, nil
	}
	return inst.Module.Exports, nil
}

// Owned returns the subscriptions and command names currently held by name.
func (r *Registry) Owned(name string) ([]plugin.SubscriptionID, []string) {
	var cmds []string
	for _, reg := range r.router.Commands() {
		if reg.Owner == name {
			cmds = append(cmds, reg.Command.Name)
		}
	}
	return r.bus.Subscriptions(name), cmds
}

// Shutdown runs the unload sequence for every plugin, newest first,
// ignoring protection flags.
func (r *Registry) Shutdown(ctx context.Context) {
	all := r.All()
	for i := len(all) - 1; i >= 0; i-- {
		inst := all[i]
		lock := r.lockFor(inst.Name())
		lock.Lock()
		if cur, ok := r.Get(inst.Name()); ok && cur == inst {
			r.unload(ctx, inst, false)
		}
		lock.Unlock()
	}
}
