package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/bote/pkg/plugin"
)

var _ plugin.Context = (*pluginContext)(nil)

// pluginContext is the runtime surface handed to one plugin. Every
// registration goes out under the plugin's name so the registry can revoke
// it on unload. Once closed, registrations are dropped so a plugin holding
// on to its context cannot come back after it was unloaded.
type pluginContext struct {
	inst   *Instance
	reg    *Registry
	logger *zap.Logger
	config plugin.Config

	life   sync.RWMutex // held for reading across each registration
	closed bool

	mu      sync.Mutex
	managed map[string]any
}

func (r *Registry) newContext(inst *Instance) *pluginContext {
	name := inst.Name()
	var cfg plugin.Config
	if r.config != nil {
		cfg = r.config.Sub(name)
	}
	return &pluginContext{
		inst:    inst,
		reg:     r,
		logger:  r.logger.Named(shortName(name)),
		config:  cfg,
		managed: make(map[string]any),
	}
}

func (c *pluginContext) Name() string          { return c.inst.Name() }
func (c *pluginContext) Logger() *zap.Logger   { return c.logger }
func (c *pluginContext) Config() plugin.Config { return c.config }

// close marks the context unusable and waits for registrations in flight.
func (c *pluginContext) close() {
	c.life.Lock()
	defer c.life.Unlock()
	c.closed = true
}

// live holds the read side of life when the context is still open. The
// caller must call c.life.RUnlock when live returns true.
func (c *pluginContext) live(op string) bool {
	c.life.RLock()
	if !c.closed {
		return true
	}
	c.life.RUnlock()
	c.logger.Warn("plugin context used after unload", zap.String("op", op))
	return false
}

func (c *pluginContext) Subscribe(topic string, handler plugin.EventHandler, opts ...plugin.SubscribeOption) plugin.SubscriptionID {
	if !c.live("subscribe") {
		return ""
	}
	defer c.life.RUnlock()
	return c.reg.bus.Subscribe(c.Name(), topic, handler, opts...)
}

// Once returns an already closed channel when the context is closed.
func (c *pluginContext) Once(topic string) <-chan plugin.Event {
	if !c.live("once") {
		ch := make(chan plugin.Event)
		close(ch)
		return ch
	}
	defer c.life.RUnlock()
	return c.reg.bus.Once(c.Name(), topic)
}

func (c *pluginContext) Emit(ctx context.Context, topic string, payload any) (plugin.Outcome, error) {
	if !c.live("emit") {
		return plugin.Proceeded, fmt.Errorf("%w: %s", ErrContextClosed, c.Name())
	}
	// Handlers may unload this plugin, so the lock is not held across Emit.
	c.life.RUnlock()
	return c.reg.bus.Emit(ctx, c.Name(), topic, payload)
}

func (c *pluginContext) RegisterCommand(cmd *plugin.Command) {
	if !c.live("register_command") {
		return
	}
	defer c.life.RUnlock()
	c.reg.router.Register(c.Name(), cmd)
}

func (c *pluginContext) Permissions() plugin.PermissionEvaluator {
	return c.reg.router.Evaluator()
}

func (c *pluginContext) Require(name string) (plugin.Exports, error) {
	return c.reg.RequireExports(name)
}

func (c *pluginContext) Manage(key string, service any) {
	if !c.live("manage") {
		return
	}
	defer c.life.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managed[key] = service
}

// services returns the module's declared services overlaid with those
// offered through Manage.
func (c *pluginContext) services() map[string]any {
	out := make(map[string]any)
	for k, v := range c.inst.Module.Managed {
		out[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.managed {
		out[k] = v
	}
	return out
}

// shortName abbreviates every segment but the last: "icu.lama.Echo" -> "i.l.Echo".
func shortName(name string) string {
	parts := strings.Split(name, ".")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] != "" {
			parts[i] = parts[i][:1]
		}
	}
	return strings.Join(parts, ".")
}
