// Package plugintest provides shared contract tests that verify any
// plugin.Module behaves correctly, plus a recording plugin.Context for
// exercising entrypoints in isolation.
package plugintest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/bote/pkg/plugin"
	"go.uber.org/zap"
)

// TestModuleContract runs a suite of behavioral contract tests against a
// module factory. Call this from each plugin's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestModuleContract(t, echo.New)
//	}
func TestModuleContract(t *testing.T, factory func() *plugin.Module) {
	t.Helper()

	t.Run("Descriptor_is_valid", func(t *testing.T) {
		m := factory()
		if err := m.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
	})

	t.Run("Main_succeeds", func(t *testing.T) {
		m := factory()
		pc := NewContext(m.Descriptor.Name)
		if err := m.Main(context.Background(), pc); err != nil {
			t.Fatalf("Main() error = %v", err)
		}
		for _, cmd := range pc.Commands() {
			if cmd.Name == "" {
				t.Error("registered command has empty name")
			}
		}
	})

	t.Run("Exports_are_callable", func(t *testing.T) {
		m := factory()
		for name, fn := range m.Exports {
			if fn == nil {
				t.Errorf("export %q is nil", name)
			}
		}
	})

	t.Run("Hooks_after_Main", func(t *testing.T) {
		m := factory()
		pc := NewContext(m.Descriptor.Name)
		if err := m.Main(context.Background(), pc); err != nil {
			t.Fatalf("Main() error = %v", err)
		}
		if m.Hooks.OnReload != nil {
			if err := m.Hooks.OnReload(context.Background(), pc); err != nil {
				t.Errorf("OnReload() error = %v", err)
			}
		}
		if m.Hooks.OnUnload != nil {
			if err := m.Hooks.OnUnload(context.Background(), pc); err != nil {
				t.Errorf("OnUnload() error = %v", err)
			}
		}
	})

	t.Run("Descriptor_is_stable", func(t *testing.T) {
		a := factory().Descriptor
		b := factory().Descriptor
		if a.Name != b.Name || a.Version != b.Version {
			t.Error("factory must return consistent descriptors")
		}
	})
}

// Context is a plugin.Context that records registrations instead of wiring
// them into a live runtime.
type Context struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	commands []*plugin.Command
	topics   []string
	handlers map[string][]plugin.EventHandler
	config   plugin.Config
	managed  map[string]any
	emitted  []plugin.Event
	perms    plugin.PermissionEvaluator
	exports  map[string]plugin.Exports
}

var _ plugin.Context = (*Context)(nil)

// NewContext creates a recording context for the named plugin.
func NewContext(name string) *Context {
	return &Context{
		name:     name,
		logger:   zap.NewNop(),
		managed:  make(map[string]any),
		handlers: make(map[string][]plugin.EventHandler),
		perms:    denyAll{},
		exports:  make(map[string]plugin.Exports),
	}
}

// WithExports makes Require(name) return ex.
func (c *Context) WithExports(name string, ex plugin.Exports) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exports[name] = ex
	return c
}

// WithConfig sets the configuration returned by Config.
func (c *Context) WithConfig(cfg plugin.Config) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	return c
}

// WithPermissions overrides the evaluator returned by Permissions.
func (c *Context) WithPermissions(pe plugin.PermissionEvaluator) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perms = pe
	return c
}

func (c *Context) Name() string        { return c.name }
func (c *Context) Logger() *zap.Logger { return c.logger }
func (c *Context) Config() plugin.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}
func (c *Context) Permissions() plugin.PermissionEvaluator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perms
}

func (c *Context) Subscribe(topic string, h plugin.EventHandler, _ ...plugin.SubscribeOption) plugin.SubscriptionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.handlers[topic] = append(c.handlers[topic], h)
	return plugin.SubscriptionID(c.name + ":" + topic)
}

func (c *Context) Once(topic string) <-chan plugin.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return make(chan plugin.Event, 1)
}

func (c *Context) Emit(_ context.Context, topic string, payload any) (plugin.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, plugin.Event{Topic: topic, Source: c.name, Timestamp: time.Now(), Payload: payload})
	return plugin.Proceeded, nil
}

func (c *Context) RegisterCommand(cmd *plugin.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
}

func (c *Context) Require(name string) (plugin.Exports, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.exports[name]
	if !ok {
		return nil, plugin.ErrNoExport
	}
	return ex, nil
}

func (c *Context) Manage(key string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managed[key] = service
}

// Deliver calls every handler subscribed to topic, in subscription order,
// stopping at the first error.
func (c *Context) Deliver(ctx context.Context, topic string, payload any) error {
	c.mu.Lock()
	hs := append([]plugin.EventHandler(nil), c.handlers[topic]...)
	c.mu.Unlock()
	ev := plugin.Event{Topic: topic, Source: "plugintest", Timestamp: time.Now(), Payload: payload}
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Command returns the registered top-level command with the given name.
func (c *Context) Command(name string) *plugin.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.commands {
		if cmd.Name == name {
			return cmd
		}
	}
	return nil
}

// Commands returns the registered commands.
func (c *Context) Commands() []*plugin.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*plugin.Command(nil), c.commands...)
}

// Topics returns the subscribed topics in subscription order.
func (c *Context) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Managed returns the offered services.
func (c *Context) Managed() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.managed))
	for k, v := range c.managed {
		out[k] = v
	}
	return out
}

// Emitted returns the events emitted through the context.
func (c *Context) Emitted() []plugin.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]plugin.Event(nil), c.emitted...)
}

type denyAll struct{}

func (denyAll) Check(context.Context, string, string) (bool, error) { return false, nil }
func (denyAll) Grant(context.Context, string, string) error         { return nil }
func (denyAll) GrantUntil(context.Context, string, string, time.Time) error {
	return nil
}
func (denyAll) Revoke(context.Context, string, string) error         { return nil }
func (denyAll) List(context.Context, string) ([]plugin.Grant, error) { return nil, nil }
