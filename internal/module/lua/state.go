// Package lua evaluates Lua plugin files with gopher-lua.
//
// A plugin file returns a table:
//
//	return {
//	  descriptor = { name = "icu.lama.Hello", authors = {"lama"}, version = "1.0@stable" },
//	  main = function(bote) bote.command("hello", function(ctx) ctx.reply("hi") end) end,
//	  exports = { greet = function(who) return "hi " .. who end },
//	  hooks = { on_unload = function() end, on_reload = function() end },
//	}
//
// Each plugin gets its own LState; every call into it is serialized.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned when calling into an unloaded plugin.
var ErrStateClosed = errors.New("lua state is closed")

// state wraps an LState. gopher-lua states are not goroutine-safe, so every
// entry from Go takes mu.
type state struct {
	mu      sync.Mutex
	L       *lua.LState
	timeout time.Duration
	closed  bool
}

func newState(timeout time.Duration) *state {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	// No io, os, debug or package: plugins reach the host only through the bote table.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return &state{L: L, timeout: timeout}
}

// doFile runs path and returns its single return value.
func (s *state) doFile(ctx context.Context, path string) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	err := recovered(func() error { return s.L.DoFile(path) })
	if err != nil {
		s.L.SetTop(top)
		return nil, err
	}
	if s.L.GetTop() == top {
		return lua.LNil, nil
	}
	ret := s.L.Get(-1)
	s.L.SetTop(top)
	return ret, nil
}

// call invokes fn with the arguments built by args (which runs under the
// state lock) and returns up to nret results converted to Go values.
func (s *state) call(ctx context.Context, fn *lua.LFunction, nret int, args func(L *lua.LState) []lua.LValue) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	var argv []lua.LValue
	if args != nil {
		argv = args(s.L)
	}

	top := s.L.GetTop()
	err := recovered(func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, argv...)
	})
	if err != nil {
		s.L.SetTop(top)
		return nil, err
	}
	out := make([]any, 0, nret)
	for i := top + 1; i <= s.L.GetTop(); i++ {
		out = append(out, toGo(s.L.Get(i)))
	}
	s.L.SetTop(top)
	return out, nil
}

func (s *state) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}

func (s *state) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
