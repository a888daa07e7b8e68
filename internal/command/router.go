package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/permission"
	"github.com/HerbHall/bote/pkg/plugin"
)

// Source is the sender name the router emits under.
const Source = "bote.router"

// DeniedReply is sent when a resolved command's permission check fails.
const DeniedReply = "You don't have permission to do this."

// Result is the terminal state of a dispatch.
type Result int

const (
	ResultMessage    Result = iota // not a command; forwarded as a message update
	ResultDropped                  // unknown command or no handler
	ResultRejected                 // permission denied or evaluator failure
	ResultCancelled                // command.process was cancelled
	ResultDispatched               // handler ran to completion
	ResultFailed                   // handler or emission failed
)

var resultNames = [...]string{"message", "dropped", "rejected", "cancelled", "dispatched", "failed"}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Registered is a top-level command and its owner.
type Registered struct {
	Owner   string
	Command *plugin.Command
}

// Router tokenizes updates and dispatches commands. It is safe for
// concurrent use; a single update is processed sequentially.
type Router struct {
	mu          sync.RWMutex
	commands    map[string]Registered
	perms       plugin.PermissionEvaluator
	bus         plugin.EventBus
	botUsername string
	logger      *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithBotUsername sets the username stripped from "/cmd@username".
func WithBotUsername(name string) Option {
	return func(r *Router) { r.botUsername = name }
}

// New creates a router that emits on bus and checks perms.
func New(bus plugin.EventBus, perms plugin.PermissionEvaluator, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		commands: make(map[string]Registered),
		perms:    perms,
		bus:      bus,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEvaluator replaces the permission evaluator.
func (r *Router) SetEvaluator(pe plugin.PermissionEvaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms = pe
}

// Evaluator returns the permission evaluator in effect.
func (r *Router) Evaluator() plugin.PermissionEvaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms
}

// Register adds a top-level command owned by owner. A command with the same
// name is overwritten.
func (r *Router) Register(owner string, cmd *plugin.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.commands[cmd.Name]; ok && prev.Owner != owner {
		r.logger.Warn("command overwritten",
			zap.String("command", cmd.Name),
			zap.String("previous_owner", prev.Owner),
			zap.String("owner", owner),
		)
	}
	r.commands[cmd.Name] = Registered{Owner: owner, Command: cmd}
}

// Deregister removes a command by name.
func (r *Router) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[name]; !ok {
		return false
	}
	delete(r.commands, name)
	return true
}

// DeregisterAllForOwner removes every command owned by owner and returns
// how many were removed.
func (r *Router) DeregisterAllForOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, reg := range r.commands {
		if reg.Owner == owner {
			delete(r.commands, name)
			n++
		}
	}
	return n
}

// Lookup returns a registered top-level command.
func (r *Router) Lookup(name string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.commands[name]
	return reg, ok
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Registered {
	r.mu.RLock()
	out := make([]Registered, 0, len(r.commands))
	for _, reg := range r.commands {
		out = append(out, reg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Command.Name < out[j].Command.Name })
	return out
}

// Dispatch routes one update. Errors never escape: failures are logged and
// reported through the Result. resp may be nil.
func (r *Router) Dispatch(ctx context.Context, upd plugin.Update, resp plugin.Responder) Result {
	res := r.dispatch(ctx, upd, resp)
	commandsDispatched.WithLabelValues(res.String()).Inc()
	return res
}

func (r *Router) dispatch(ctx context.Context, upd plugin.Update, resp plugin.Responder) Result {
	name, args, ok := Tokenize(upd.Text, upd.Entities, r.botUsername)
	if !ok {
		r.event("MsgUpdate", "message update received", upd)
		if _, err := r.bus.Emit(ctx, Source, plugin.TopicMessageUpdate, &plugin.MessageEvent{Update: upd, Responder: resp}); err != nil {
			r.logger.Error("message update handler failed", zap.Error(err))
			return ResultFailed
		}
		return ResultMessage
	}

	reg, ok := r.Lookup(name)
	if !ok {
		r.logger.Debug("unknown command dropped", zap.String("command", name))
		return ResultDropped
	}

	pre := &plugin.PreCommandEvent{Update: upd, Command: name, Args: args}
	out, err := r.bus.Emit(ctx, Source, plugin.TopicPreCommand, pre)
	if err != nil {
		r.logger.Error("pre-command handler failed", zap.String("command", name), zap.Error(err))
		return ResultFailed
	}
	if out == plugin.Cancelled {
		r.event("CmdPreProcCancellation", "pre-processing of /"+name+" was cancelled; continuing", upd)
	} else {
		r.event("CmdPreProc", "pre-processing /"+name, upd)
	}

	perms := r.Evaluator()
	denied, err := perms.Check(ctx, upd.Subject(), permission.CommandDenyNode(name))
	if err != nil {
		r.logger.Error("permission check failed", zap.String("command", name), zap.Error(err))
		r.event("CmdDispatchRejected", "/"+name+" rejected: permission backend unavailable", upd)
		return ResultRejected
	}
	if denied {
		r.event("CmdDispatchRejected", "/"+name+" rejected for sender", upd)
		return ResultRejected
	}

	proc := &plugin.CommandProcessEvent{Update: upd, Command: name, Args: pre.Args}
	out, err = r.bus.Emit(ctx, Source, plugin.TopicCommandProcess, proc)
	if err != nil {
		r.logger.Error("command-process handler failed", zap.String("command", name), zap.Error(err))
		return ResultFailed
	}
	if out == plugin.Cancelled {
		r.event("CmdDispatchCancellation", "dispatch of /"+name+" was cancelled", upd)
		return ResultCancelled
	}
	r.event("CmdDispatch", "dispatching /"+name, upd)

	return r.invoke(ctx, reg, upd, resp, perms, proc.Args)
}

// invoke walks the command tree and runs the deepest matching handler.
func (r *Router) invoke(ctx context.Context, reg Registered, upd plugin.Update, resp plugin.Responder, perms plugin.PermissionEvaluator, args []string) Result {
	cmd := reg.Command
	path := []string{cmd.Name}
	for len(args) > 0 {
		child, ok := cmd.Child(args[0])
		if !ok {
			break
		}
		cmd = child
		path = append(path, child.Name)
		args = args[1:]
	}
	full := strings.Join(path, " ")

	if cmd.Permission != "" {
		allowed, err := perms.Check(ctx, upd.Subject(), cmd.Permission)
		if err != nil {
			r.logger.Error("permission check failed", zap.String("command", full), zap.Error(err))
		}
		if err != nil || !allowed {
			r.event("CmdDispatchRejected", "/"+full+" requires "+cmd.Permission, upd)
			if resp != nil {
				if err := resp.Reply(ctx, upd.ChatID, upd.MessageID, DeniedReply); err != nil {
					r.logger.Warn("permission reply failed", zap.Error(err))
				}
			}
			return ResultRejected
		}
	}

	if cmd.Handler == nil {
		r.logger.Debug("command has no handler", zap.String("command", full))
		return ResultDropped
	}

	cc := &plugin.CommandContext{
		Update:    upd,
		Command:   full,
		Args:      args,
		Responder: resp,
		Logger:    r.logger.With(zap.String("plugin", reg.Owner), zap.String("command", full)),
	}
	start := time.Now()
	err := safeInvoke(ctx, cmd.Handler, cc)
	commandDuration.WithLabelValues(reg.Command.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("command handler failed",
			zap.String("command", full),
			zap.String("plugin", reg.Owner),
			zap.String("trigger", upd.Trigger()),
			zap.Error(err),
		)
		return ResultFailed
	}
	return ResultDispatched
}

func safeInvoke(ctx context.Context, h plugin.CommandHandler, cc *plugin.CommandContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, cc)
}

// event writes a named dispatch event record.
func (r *Router) event(name, msg string, upd plugin.Update) {
	r.logger.Info(msg,
		zap.String("event", name),
		zap.String("trigger", upd.Trigger()),
	)
}
