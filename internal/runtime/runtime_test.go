package runtime

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/internal/module/lua"
	"github.com/HerbHall/bote/internal/permission"
	"github.com/HerbHall/bote/internal/ratelimit"
	"github.com/HerbHall/bote/internal/transport"
	"github.com/HerbHall/bote/pkg/plugin"
	"github.com/HerbHall/bote/pkg/roles"
)

const echoPlugin = `return {
  descriptor = { name = "icu.lama.Echo", authors = {"lama"}, version = "1.0@stable" },
  main = function(bote)
    bote.command("echo", function(ctx) ctx.reply(table.concat(ctx.args, " ")) end)
  end,
}`

func newRuntime(t *testing.T, cfg Config, files map[string]string) *Runtime {
	t.Helper()
	if cfg.PluginDir == "" {
		cfg.PluginDir = t.TempDir()
	}
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.PluginDir, name), []byte(src), 0o644))
	}
	loader := module.NewLoader(nil, lua.NewEvaluator())
	return New(cfg, permission.AllowAll{}, loader, nil, zap.NewNop())
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	events []plugin.Event
}

func (r *recorder) handle(_ context.Context, ev plugin.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, ev.Topic)
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

type failingSource struct{ err error }

func (s failingSource) Run(context.Context, chan<- transport.Inbound) error { return s.err }

func TestStart_loads_plugins_and_survives_bad_ones(t *testing.T) {
	rt := newRuntime(t, Config{}, map[string]string{
		"echo.lua":   echoPlugin,
		"broken.lua": "this is not lua",
		"notes.txt":  "ignored",
	})

	require.NoError(t, rt.Start(context.Background()))

	_, ok := rt.Registry().Get("icu.lama.Echo")
	assert.True(t, ok)
	assert.Equal(t, 1, rt.Registry().Len())
	_, ok = rt.Router().Lookup("echo")
	assert.True(t, ok)
}

func TestStart_unusable_dir_is_fatal(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	rt := newRuntime(t, Config{PluginDir: file}, nil)
	assert.Error(t, rt.Start(context.Background()))
}

func TestRun_dispatches_console_updates(t *testing.T) {
	rt := newRuntime(t, Config{}, map[string]string{"echo.lua": echoPlugin})
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	var out bytes.Buffer
	src := transport.NewConsole(strings.NewReader("/echo hello world\nplain text\n/unknown\n"), &out, 5, 6)
	require.NoError(t, rt.Run(ctx, src))

	assert.Equal(t, "< hello world\n", out.String())
}

func TestRun_rate_limits_per_chat(t *testing.T) {
	rt := newRuntime(t, Config{RateLimit: 0.001, Burst: 1}, map[string]string{"echo.lua": echoPlugin})
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	var out bytes.Buffer
	src := transport.NewConsole(strings.NewReader("/echo one\n/echo two\n/echo three\n"), &out, 5, 6)
	require.NoError(t, rt.Run(ctx, src))

	assert.Equal(t, "< one\n", out.String())
}

func TestAllow_forgets_quiet_chats(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := newRuntime(t, Config{
		RateLimit: 1,
		Burst:     1,
		LimiterOptions: []ratelimit.Option{
			ratelimit.WithMaxKeys(2),
			ratelimit.WithIdle(time.Minute),
			ratelimit.WithClock(func() time.Time { return now }),
		},
	}, nil)

	assert.True(t, rt.allow(1))
	assert.False(t, rt.allow(1))
	assert.True(t, rt.allow(2))
	assert.Equal(t, 2, rt.limiter.Len())

	now = now.Add(2 * time.Minute)
	assert.True(t, rt.allow(3))
	assert.Equal(t, 1, rt.limiter.Len(), "quiet chats were not evicted")
}

func TestAllow_disabled(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	assert.Nil(t, rt.limiter)
	for i := 0; i < 100; i++ {
		assert.True(t, rt.allow(1))
	}
}

func TestRun_source_error_is_emitted(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	rec := &recorder{}
	rt.Bus().Subscribe("test", plugin.TopicBotError, rec.handle)

	boom := errors.New("connection lost")
	err := rt.Run(ctx, failingSource{err: boom})
	require.ErrorIs(t, err, boom)

	require.Len(t, rec.events, 1)
	ee, ok := rec.events[0].Payload.(*plugin.ErrorEvent)
	require.True(t, ok)
	assert.ErrorIs(t, ee.Err, boom)
	assert.Equal(t, "transport", ee.Context)
	assert.Equal(t, Source, rec.events[0].Source)
}

func TestLifecycle_events(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	rec := &recorder{}
	for _, topic := range []string{plugin.TopicStartup, plugin.TopicPostStartup, plugin.TopicFinalization, plugin.TopicShutdown} {
		rt.Bus().Subscribe("test", topic, rec.handle)
	}

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Run(ctx, transport.NewConsole(strings.NewReader(""), &bytes.Buffer{}, 1, 1)))
	rt.Shutdown(ctx)

	assert.Equal(t, []string{
		plugin.TopicStartup,
		plugin.TopicPostStartup,
		plugin.TopicFinalization,
		plugin.TopicShutdown,
	}, rec.seen())
}

func TestManaged_permissions_replace_evaluator(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	mem := permission.NewMemory()
	_, err := rt.Registry().Install(&plugin.Module{
		Descriptor: plugin.Descriptor{Name: "icu.lama.Perms", Authors: []string{"lama"}, Version: "1.0@stable"},
		Main: func(_ context.Context, pc plugin.Context) error {
			pc.Manage(roles.ServicePermissions, mem)
			pc.Manage("telemetry", struct{}{})
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, rt.Start(context.Background()))
	assert.Same(t, mem, rt.Router().Evaluator())
}

func TestManaged_wrong_type_is_ignored(t *testing.T) {
	rt := newRuntime(t, Config{}, nil)
	_, err := rt.Registry().Install(&plugin.Module{
		Descriptor: plugin.Descriptor{Name: "icu.lama.Bad", Authors: []string{"lama"}, Version: "1.0@stable"},
		Main: func(_ context.Context, pc plugin.Context) error {
			pc.Manage(roles.ServicePermissions, "not an evaluator")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, permission.AllowAll{}, rt.Router().Evaluator())
}

func TestShutdown_unloads_everything(t *testing.T) {
	rt := newRuntime(t, Config{}, map[string]string{"echo.lua": echoPlugin})
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))

	rt.Shutdown(ctx)
	assert.Equal(t, 0, rt.Registry().Len())
	_, ok := rt.Router().Lookup("echo")
	assert.False(t, ok)
}
