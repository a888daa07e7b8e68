// Package runtime wires the event bus, command router and plugin registry
// together and pumps inbound updates from a transport into the router.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/command"
	"github.com/HerbHall/bote/internal/event"
	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/internal/ratelimit"
	"github.com/HerbHall/bote/internal/registry"
	"github.com/HerbHall/bote/internal/transport"
	"github.com/HerbHall/bote/pkg/plugin"
	"github.com/HerbHall/bote/pkg/roles"
)

// Source is the sender name of events the runtime emits itself.
const Source = "bote.runtime"

// Config holds runtime settings.
type Config struct {
	PluginDir   string
	MaxParallel int
	BotUsername string

	// RateLimit is the sustained number of updates per second accepted from
	// one chat. Zero disables limiting.
	RateLimit float64
	Burst     int

	// LimiterOptions tune how quiet chats are forgotten.
	LimiterOptions []ratelimit.Option
}

// Runtime owns the core components for the lifetime of the process.
type Runtime struct {
	cfg      Config
	bus      *event.Bus
	router   *command.Router
	registry *registry.Registry
	logger   *zap.Logger
	limiter  *ratelimit.Keyed[int64] // nil when limiting is off
}

// New builds a runtime. perms is the permission backend in effect until a
// plugin offers a managed replacement. pluginCfg is the configuration tree
// plugins read their settings from and may be nil.
func New(cfg Config, perms plugin.PermissionEvaluator, loader *module.Loader, pluginCfg plugin.Config, logger *zap.Logger) *Runtime {
	bus := event.NewBus(logger.Named("event"))
	router := command.New(bus, perms, logger.Named("command"), command.WithBotUsername(cfg.BotUsername))

	rt := &Runtime{
		cfg:    cfg,
		bus:    bus,
		router: router,
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		rt.limiter = ratelimit.New[int64](cfg.RateLimit, cfg.Burst, cfg.LimiterOptions...)
	}
	opts := []registry.Option{
		registry.WithMaxParallel(cfg.MaxParallel),
		registry.WithServicesHook(rt.applyServices),
	}
	if pluginCfg != nil {
		opts = append(opts, registry.WithConfig(pluginCfg))
	}
	rt.registry = registry.New(bus, router, loader, logger.Named("registry"), opts...)
	return rt
}

// Bus returns the event bus.
func (rt *Runtime) Bus() *event.Bus { return rt.bus }

// Router returns the command router.
func (rt *Runtime) Router() *command.Router { return rt.router }

// Registry returns the plugin registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Start loads the plugin directory, runs every entrypoint, adopts managed
// services and emits the startup lifecycle events. Only an unusable plugin
// directory is fatal; individual plugin failures are logged.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.registry.LoadAll(ctx, rt.cfg.PluginDir); err != nil {
		var le *registry.LoadError
		if !errors.As(err, &le) {
			return err
		}
		rt.logger.Warn("some plugins failed to load", zap.Error(err))
	}

	if _, err := rt.registry.InvokeMainAll(ctx); err != nil {
		rt.logger.Warn("some plugin entrypoints failed", zap.Error(err))
	}

	for _, topic := range []string{plugin.TopicStartup, plugin.TopicPostStartup} {
		if _, err := rt.bus.Emit(ctx, Source, topic, nil); err != nil {
			rt.logger.Error("lifecycle handler failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	rt.logger.Info("runtime started",
		zap.Int("plugins", rt.registry.Len()),
		zap.Int("commands", len(rt.router.Commands())),
	)
	return nil
}

// Run pumps updates from src into the router one at a time until src stops
// or ctx is done. A source failure is emitted on the error topic and
// returned.
func (rt *Runtime) Run(ctx context.Context, src transport.Source) error {
	if _, err := rt.bus.Emit(ctx, Source, plugin.TopicFinalization, nil); err != nil {
		rt.logger.Error("lifecycle handler failed", zap.String("topic", plugin.TopicFinalization), zap.Error(err))
	}

	in := make(chan transport.Inbound)
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(ctx, in)
		close(in)
	}()

	for msg := range in {
		if !rt.allow(msg.Update.ChatID) {
			updatesThrottled.Inc()
			rt.logger.Debug("update throttled", zap.String("trigger", msg.Update.Trigger()))
			continue
		}
		rt.router.Dispatch(ctx, msg.Update, msg.Responder)
	}

	if err := <-errc; err != nil {
		rt.emitError(ctx, err, "transport")
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}

// Shutdown emits the shutdown event and unloads every plugin.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if _, err := rt.bus.Emit(ctx, Source, plugin.TopicShutdown, nil); err != nil {
		rt.logger.Error("lifecycle handler failed", zap.String("topic", plugin.TopicShutdown), zap.Error(err))
	}
	rt.registry.Shutdown(ctx)
	rt.logger.Info("runtime stopped")
}

func (rt *Runtime) allow(chatID int64) bool {
	return rt.limiter == nil || rt.limiter.Allow(chatID)
}

// applyServices adopts managed services offered by plugin entrypoints.
func (rt *Runtime) applyServices(services map[string]any) {
	pe, ok, err := roles.Services(services).Permissions()
	if err != nil {
		rt.logger.Warn("ignoring managed service", zap.Error(err))
	} else if ok {
		rt.router.SetEvaluator(pe)
		rt.logger.Info("permission backend replaced by plugin", zap.String("type", fmt.Sprintf("%T", pe)))
	}

	known := roles.Known()
	for key := range services {
		if !slices.Contains(known, key) {
			rt.logger.Warn("unknown managed service", zap.String("key", key))
		}
	}
}

func (rt *Runtime) emitError(ctx context.Context, err error, where string) {
	if _, emitErr := rt.bus.Emit(ctx, Source, plugin.TopicBotError, &plugin.ErrorEvent{Err: err, Context: where}); emitErr != nil {
		rt.logger.Error("error handler failed", zap.Error(emitErr))
	}
	rt.logger.Error("runtime error", zap.String("context", where), zap.Error(err))
}
