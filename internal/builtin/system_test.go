package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/command"
	"github.com/HerbHall/bote/internal/event"
	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/internal/module/lua"
	"github.com/HerbHall/bote/internal/permission"
	"github.com/HerbHall/bote/internal/registry"
	"github.com/HerbHall/bote/internal/testutil"
	"github.com/HerbHall/bote/pkg/plugin"
	"github.com/HerbHall/bote/pkg/plugin/plugintest"
)

const admin = 1

type fixture struct {
	perms   *permission.Memory
	router  *command.Router
	reg     *registry.Registry
	dir     string
	replies *testutil.Replies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	bus := event.NewBus(logger)
	perms := permission.NewMemory()
	router := command.New(bus, perms, logger)
	reg := registry.New(bus, router, module.NewLoader(nil, lua.NewEvaluator()), logger)

	ctx := context.Background()
	require.NoError(t, perms.Grant(ctx, "1", "bote.*"))

	f := &fixture{perms: perms, router: router, reg: reg, dir: t.TempDir(), replies: &testutil.Replies{}}
	_, err := reg.Install(New(reg))
	require.NoError(t, err)
	return f
}

func (f *fixture) plugin(t *testing.T, file, name string) {
	t.Helper()
	src := `return {
	  descriptor = { name = "` + name + `", authors = {"lama"}, version = "1.0@stable" },
	  main = function(bote) bote.command("hi", function(ctx) ctx.reply("hi") end) end,
	}`
	path := filepath.Join(f.dir, file)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	_, err := f.reg.LoadOne(context.Background(), path)
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	_, err := f.reg.InvokeMainAll(context.Background())
	require.NoError(t, err)
}

// send dispatches text from sender and returns the replies it produced.
func (f *fixture) send(sender int64, text string) []string {
	before := len(f.replies.Texts())
	f.router.Dispatch(context.Background(), testutil.NewUpdate(testutil.WithSender(sender), testutil.WithCommand(text)), f.replies)
	return f.replies.Texts()[before:]
}

func TestContract(t *testing.T) {
	reg := registry.New(event.NewBus(zap.NewNop()), nil, module.NewLoader(nil, nil), zap.NewNop())
	plugintest.TestModuleContract(t, func() *plugin.Module { return New(reg) })
}

func TestPlugins_list_and_info(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "greeter.lua", "icu.lama.Greeter")
	f.start(t)

	out := f.send(admin, "/plugins")
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "bote.System 1.0@stable (bote:System) [system]")
	assert.Contains(t, out[0], "icu.lama.Greeter 1.0@stable (lama:Greeter)")

	out = f.send(admin, "/plugins info lama:Greeter")
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "icu.lama.Greeter (Greeter)")
	assert.Contains(t, out[0], "commands: hi")
	assert.Contains(t, out[0], "source: ")

	assert.Equal(t, []string{"No plugin named nope."}, f.send(admin, "/plugins info nope"))
	assert.Equal(t, []string{"usage: /plugins info <name>"}, f.send(admin, "/plugins info"))
}

func TestPlugins_requires_permission(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.Equal(t, []string{command.DeniedReply}, f.send(99, "/plugins"))
	assert.Equal(t, []string{command.DeniedReply}, f.send(99, "/plugins unload bote.System"))
}

func TestPlugins_unload(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "greeter.lua", "icu.lama.Greeter")
	f.start(t)

	assert.Equal(t, []string{"hi"}, f.send(admin, "/hi"))
	assert.Equal(t, []string{"icu.lama.Greeter unloaded."}, f.send(admin, "/plugins unload lama:Greeter"))
	assert.Empty(t, f.send(admin, "/hi"), "command survived unload")
	assert.Equal(t, []string{"No plugin named icu.lama.Greeter."}, f.send(admin, "/plugins unload icu.lama.Greeter"))
}

func TestPlugins_system_is_protected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	out := f.send(admin, "/plugins unload bote.System")
	assert.Equal(t, []string{"bote.System is protected and cannot be unloaded."}, out)
	out = f.send(admin, "/plugins reload bote.System")
	assert.Equal(t, []string{"bote.System is protected and cannot be reloaded."}, out)

	_, ok := f.reg.Get(Name)
	assert.True(t, ok)
	_, ok = f.router.Lookup("plugins")
	assert.True(t, ok)
}

func TestPlugins_reload(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "greeter.lua", "icu.lama.Greeter")
	f.start(t)

	assert.Equal(t, []string{"icu.lama.Greeter reloaded."}, f.send(admin, "/plugins reload icu.lama.Greeter"))
	assert.Equal(t, []string{"hi"}, f.send(admin, "/hi"))
}

func TestPerm_commands(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, []string{"denied: 7 icu.lama.greet"}, f.send(admin, "/perm check 7 icu.lama.greet"))
	assert.Equal(t, []string{"Granted icu.lama.* to 7."}, f.send(admin, "/perm grant 7 icu.lama.*"))
	assert.Equal(t, []string{"allowed: 7 icu.lama.greet"}, f.send(admin, "/perm check 7 icu.lama.greet"))
	assert.Equal(t, []string{"icu.lama.*"}, f.send(admin, "/perm list 7"))

	out := f.send(admin, "/perm grant 7 icu.temp.node 1h")
	require.Len(t, out, 1)
	assert.Equal(t, "Granted icu.temp.node to 7 for 1h0m0s.", out[0])
	out = f.send(admin, "/perm list 7")
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "icu.temp.node until ")

	assert.Equal(t, []string{"Revoked icu.lama.* from 7."}, f.send(admin, "/perm revoke 7 icu.lama.*"))
	assert.Equal(t, []string{"denied: 7 icu.lama.greet"}, f.send(admin, "/perm check 7 icu.lama.greet"))

	assert.Equal(t, []string{"Invalid duration soon."}, f.send(admin, "/perm grant 7 a.b soon"))
	assert.Equal(t, []string{"No grants for 8."}, f.send(admin, "/perm list 8"))
	assert.True(t, strings.HasPrefix(f.send(admin, "/perm")[0], "usage: "))
}

func TestPerm_grant_invalid_node(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	out := f.send(admin, "/perm grant 7 bad..node")
	require.Len(t, out, 1)
	assert.True(t, strings.HasPrefix(out[0], "Grant failed: "), out[0])
}

func TestExports_plugins(t *testing.T) {
	f := newFixture(t)
	f.plugin(t, "greeter.lua", "icu.lama.Greeter")
	f.start(t)

	ex, err := f.reg.RequireExports(Name)
	require.NoError(t, err)
	got, err := ex.Call(context.Background(), "plugins")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{Name, "icu.lama.Greeter"}, got)
}
