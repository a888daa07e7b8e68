package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/bote/pkg/plugin"
)

// api builds the "bote" table handed to main and the lifecycle hooks.
// Every registration goes through the plugin's own Context.
type api struct {
	st *state
	pc plugin.Context
}

func (a *api) table(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"name":    a.name,
		"log":     a.log(zapcore.InfoLevel),
		"warn":    a.log(zapcore.WarnLevel),
		"error":   a.log(zapcore.ErrorLevel),
		"command": a.command,
		"on":      a.on,
		"check":   a.check,
		"grant":   a.grant,
		"revoke":  a.revoke,
		"require": a.require,
		"config":  a.config,
	})

	topics := L.NewTable()
	for k, v := range map[string]string{
		"MESSAGE_UPDATE":  plugin.TopicMessageUpdate,
		"PRE_COMMAND":     plugin.TopicPreCommand,
		"COMMAND_PROCESS": plugin.TopicCommandProcess,
		"STARTUP":         plugin.TopicStartup,
		"POST_STARTUP":    plugin.TopicPostStartup,
		"FINALIZATION":    plugin.TopicFinalization,
		"SHUTDOWN":        plugin.TopicShutdown,
		"BOT_ERROR":       plugin.TopicBotError,
		"REQUEST_UNLOAD":  plugin.TopicRequestUnload,
	} {
		topics.RawSetString(k, lua.LString(v))
	}
	t.RawSetString("topics", topics)
	return t
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (a *api) name(L *lua.LState) int {
	L.Push(lua.LString(a.pc.Name()))
	return 1
}

func (a *api) log(level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		if ce := a.pc.Logger().Check(level, msg); ce != nil {
			ce.Write()
		}
		return 0
	}
}

// command(name, handler?, {permission=, description=, sub={name=fn|{handler=,permission=}}})
func (a *api) command(L *lua.LState) int {
	name := L.CheckString(1)
	var fn *lua.LFunction
	if L.Get(2) != lua.LNil {
		fn = L.CheckFunction(2)
	}
	opts := L.OptTable(3, nil)
	a.pc.RegisterCommand(a.buildCommand(name, fn, opts))
	return 0
}

func (a *api) buildCommand(name string, fn *lua.LFunction, opts *lua.LTable) *plugin.Command {
	var h plugin.CommandHandler
	if fn != nil {
		h = a.commandHandler(fn)
	}
	cmd := plugin.NewCommand(name, h)
	if opts == nil {
		return cmd
	}
	if p, ok := opts.RawGetString("permission").(lua.LString); ok {
		cmd.WithPermission(string(p))
	}
	if d, ok := opts.RawGetString("description").(lua.LString); ok {
		cmd.WithDescription(string(d))
	}
	if sub, ok := opts.RawGetString("sub").(*lua.LTable); ok {
		sub.ForEach(func(k, v lua.LValue) {
			switch c := v.(type) {
			case *lua.LFunction:
				cmd.Sub(a.buildCommand(k.String(), c, nil))
			case *lua.LTable:
				child, _ := c.RawGetString("handler").(*lua.LFunction)
				cmd.Sub(a.buildCommand(k.String(), child, c))
			}
		})
	}
	return cmd
}

func (a *api) commandHandler(fn *lua.LFunction) plugin.CommandHandler {
	return func(ctx context.Context, cc *plugin.CommandContext) error {
		_, err := a.st.call(ctx, fn, 0, func(L *lua.LState) []lua.LValue {
			t := updateTable(L, ctx, cc.Update, cc.Responder)
			t.RawSetString("command", lua.LString(cc.Command))
			t.RawSetString("args", toLua(L, cc.Args))
			return []lua.LValue{t}
		})
		return err
	}
}

// on(topic, handler, priority?) -> subscription id
func (a *api) on(L *lua.LState) int {
	topic := L.CheckString(1)
	fn := L.CheckFunction(2)
	prio := L.OptInt(3, plugin.DefaultPriority)

	id := a.pc.Subscribe(topic, func(ctx context.Context, ev plugin.Event) error {
		_, err := a.st.call(ctx, fn, 0, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{eventTable(L, ctx, ev)}
		})
		return err
	}, plugin.WithPriority(prio))
	L.Push(lua.LString(id))
	return 1
}

func (a *api) check(L *lua.LState) int {
	subject := L.CheckAny(1).String()
	node := L.CheckString(2)
	ok, err := a.pc.Permissions().Check(luaContext(L), subject, node)
	if err != nil {
		L.RaiseError("check %s: %v", node, err)
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (a *api) grant(L *lua.LState) int {
	if err := a.pc.Permissions().Grant(luaContext(L), L.CheckAny(1).String(), L.CheckString(2)); err != nil {
		L.RaiseError("grant: %v", err)
	}
	return 0
}

func (a *api) revoke(L *lua.LState) int {
	if err := a.pc.Permissions().Revoke(luaContext(L), L.CheckAny(1).String(), L.CheckString(2)); err != nil {
		L.RaiseError("revoke: %v", err)
	}
	return 0
}

// require(plugin, export, args...) -> result
func (a *api) require(L *lua.LState) int {
	name := L.CheckString(1)
	export := L.CheckString(2)
	if name == a.pc.Name() {
		L.RaiseError("require: %s cannot require itself", name)
	}
	ex, err := a.pc.Require(name)
	if err != nil {
		L.RaiseError("require %s: %v", name, err)
	}
	args := make([]any, 0, L.GetTop())
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, toGo(L.Get(i)))
	}
	res, err := ex.Call(luaContext(L), export, args...)
	if err != nil {
		L.RaiseError("require %s.%s: %v", name, export, err)
	}
	L.Push(toLua(L, res))
	return 1
}

func (a *api) config(L *lua.LState) int {
	key := L.CheckString(1)
	cfg := a.pc.Config()
	if cfg == nil || !cfg.IsSet(key) {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, cfg.Get(key)))
	return 1
}

// updateTable exposes an update and, when resp is set, a reply function.
func updateTable(L *lua.LState, ctx context.Context, u plugin.Update, resp plugin.Responder) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("text", lua.LString(u.Text))
	t.RawSetString("chat_id", lua.LNumber(u.ChatID))
	t.RawSetString("sender_id", lua.LNumber(u.SenderID))
	t.RawSetString("message_id", lua.LNumber(u.MessageID))
	t.RawSetString("subject", lua.LString(u.Subject()))
	if resp != nil {
		t.RawSetString("reply", L.NewFunction(func(L *lua.LState) int {
			if err := resp.Reply(ctx, u.ChatID, u.MessageID, L.CheckString(1)); err != nil {
				L.RaiseError("reply: %v", err)
			}
			return 0
		}))
	}
	return t
}

func eventTable(L *lua.LState, ctx context.Context, ev plugin.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("topic", lua.LString(ev.Topic))
	t.RawSetString("source", lua.LString(ev.Source))

	switch p := ev.Payload.(type) {
	case *plugin.MessageEvent:
		t.RawSetString("payload", updateTable(L, ctx, p.Update, p.Responder))
	case *plugin.PreCommandEvent:
		pt := updateTable(L, ctx, p.Update, nil)
		pt.RawSetString("command", lua.LString(p.Command))
		pt.RawSetString("args", toLua(L, p.Args))
		t.RawSetString("payload", pt)
	case *plugin.CommandProcessEvent:
		pt := updateTable(L, ctx, p.Update, nil)
		pt.RawSetString("command", lua.LString(p.Command))
		pt.RawSetString("args", toLua(L, p.Args))
		pt.RawSetString("set_args", L.NewFunction(func(L *lua.LState) int {
			p.Args = stringList(L.CheckTable(1))
			return 0
		}))
		t.RawSetString("payload", pt)
	case *plugin.ErrorEvent:
		pt := L.NewTable()
		pt.RawSetString("error", toLua(L, p.Err))
		pt.RawSetString("context", lua.LString(p.Context))
		t.RawSetString("payload", pt)
	default:
		t.RawSetString("payload", toLua(L, ev.Payload))
	}

	if c, ok := ev.Payload.(plugin.Cancelable); ok {
		t.RawSetString("cancel", L.NewFunction(func(*lua.LState) int {
			c.Cancel()
			return 0
		}))
		t.RawSetString("cancelled", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LBool(c.Cancelled()))
			return 1
		}))
	}
	return t
}
