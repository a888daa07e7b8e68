// Package builtin provides the system plugin compiled into every bote
// binary. It exposes chat commands for managing plugins and permissions.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/registry"
	"github.com/HerbHall/bote/pkg/plugin"
)

// Name is the unique name of the system plugin.
const Name = "bote.System"

// Permission nodes guarding the system commands.
const (
	NodePluginsList   = "bote.plugins.list"
	NodePluginsUnload = "bote.plugins.unload"
	NodePluginsReload = "bote.plugins.reload"
	NodePermManage    = "bote.perm.manage"
	NodePermView      = "bote.perm.view"
)

// New returns the system plugin module bound to reg.
func New(reg *registry.Registry) *plugin.Module {
	s := &system{reg: reg}
	return &plugin.Module{
		Descriptor: plugin.Descriptor{
			Name:        Name,
			DisplayName: "System",
			Authors:     []string{"bote"},
			Version:     "1.0@stable",
			Flags:       []plugin.Flag{plugin.FlagSystem},
		},
		Main: s.main,
		Exports: plugin.Exports{
			"plugins": s.exportPlugins,
		},
	}
}

type system struct {
	reg *registry.Registry
	pc  plugin.Context
}

func (s *system) main(_ context.Context, pc plugin.Context) error {
	s.pc = pc

	pc.RegisterCommand(plugin.NewCommand("plugins", s.list).
		WithPermission(NodePluginsList).
		WithDescription("List loaded plugins").
		Sub(
			plugin.NewCommand("info", s.info).WithPermission(NodePluginsList).WithDescription("Show one plugin"),
			plugin.NewCommand("unload", s.unload).WithPermission(NodePluginsUnload).WithDescription("Unload a plugin"),
			plugin.NewCommand("reload", s.reload).WithPermission(NodePluginsReload).WithDescription("Reload a plugin from disk"),
		))

	pc.RegisterCommand(plugin.NewCommand("perm", usage("/perm grant|revoke|check|list ...")).
		WithDescription("Manage permission grants").
		Sub(
			plugin.NewCommand("grant", s.grant).WithPermission(NodePermManage).WithDescription("grant <subject> <node> [duration]"),
			plugin.NewCommand("revoke", s.revoke).WithPermission(NodePermManage).WithDescription("revoke <subject> <node>"),
			plugin.NewCommand("check", s.check).WithPermission(NodePermView).WithDescription("check <subject> <node>"),
			plugin.NewCommand("list", s.listGrants).WithPermission(NodePermView).WithDescription("list <subject>"),
		))

	pc.Logger().Debug("system commands registered")
	return nil
}

func usage(text string) plugin.CommandHandler {
	return func(ctx context.Context, cc *plugin.CommandContext) error {
		return cc.Reply(ctx, "usage: "+text)
	}
}

func (s *system) list(ctx context.Context, cc *plugin.CommandContext) error {
	var b strings.Builder
	for _, inst := range s.reg.All() {
		d := inst.Descriptor()
		fmt.Fprintf(&b, "%s %s (%s)", d.Name, d.Version, d.ScopedName())
		if inst.System() {
			b.WriteString(" [system]")
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return cc.Reply(ctx, "No plugins loaded.")
	}
	return cc.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (s *system) info(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 1 {
		return usage("/plugins info <name>")(ctx, cc)
	}
	inst, ok := s.reg.Lookup(cc.Args[0])
	if !ok {
		return cc.Reply(ctx, "No plugin named "+cc.Args[0]+".")
	}
	d := inst.Descriptor()
	subs, cmds := s.reg.Owned(inst.Name())

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", d.Name, d.Title())
	fmt.Fprintf(&b, "version: %s\n", d.Version)
	fmt.Fprintf(&b, "authors: %s\n", strings.Join(d.Authors, ", "))
	if len(d.Dependencies) > 0 {
		fmt.Fprintf(&b, "dependencies: %s\n", strings.Join(d.Dependencies, ", "))
	}
	if len(d.Flags) > 0 {
		flags := make([]string, len(d.Flags))
		for i, f := range d.Flags {
			flags[i] = string(f)
		}
		fmt.Fprintf(&b, "flags: %s\n", strings.Join(flags, ", "))
	}
	if inst.Source != "" {
		fmt.Fprintf(&b, "source: %s\n", inst.Source)
	}
	fmt.Fprintf(&b, "commands: %s\n", strings.Join(cmds, ", "))
	fmt.Fprintf(&b, "subscriptions: %d", len(subs))
	return cc.Reply(ctx, b.String())
}

func (s *system) unload(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 1 {
		return usage("/plugins unload <name>")(ctx, cc)
	}
	return s.lifecycle(ctx, cc, "unloaded", s.reg.Unload)
}

func (s *system) reload(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 1 {
		return usage("/plugins reload <name>")(ctx, cc)
	}
	return s.lifecycle(ctx, cc, "reloaded", s.reg.Reload)
}

func (s *system) lifecycle(ctx context.Context, cc *plugin.CommandContext, done string, op func(context.Context, string) error) error {
	key := cc.Args[0]
	name := key
	if inst, ok := s.reg.Lookup(key); ok {
		name = inst.Name()
	}
	err := op(ctx, name)
	switch {
	case err == nil:
		return cc.Reply(ctx, name+" "+done+".")
	case errors.Is(err, registry.ErrNotFound):
		return cc.Reply(ctx, "No plugin named "+key+".")
	case errors.Is(err, registry.ErrUnloadRejected), errors.Is(err, registry.ErrReloadRejected):
		return cc.Reply(ctx, name+" is protected and cannot be "+done+".")
	}
	s.pc.Logger().Warn("plugin lifecycle command failed", zap.String("plugin", name), zap.Error(err))
	return cc.Reply(ctx, "Failed: "+err.Error())
}

func (s *system) grant(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) < 2 || len(cc.Args) > 3 {
		return usage("/perm grant <subject> <node> [duration]")(ctx, cc)
	}
	subject, node := cc.Args[0], cc.Args[1]
	perms := s.pc.Permissions()
	if len(cc.Args) == 3 {
		d, err := time.ParseDuration(cc.Args[2])
		if err != nil || d <= 0 {
			return cc.Reply(ctx, "Invalid duration "+cc.Args[2]+".")
		}
		if err := perms.GrantUntil(ctx, subject, node, time.Now().Add(d)); err != nil {
			return cc.Reply(ctx, "Grant failed: "+err.Error())
		}
		return cc.Reply(ctx, fmt.Sprintf("Granted %s to %s for %s.", node, subject, d))
	}
	if err := perms.Grant(ctx, subject, node); err != nil {
		return cc.Reply(ctx, "Grant failed: "+err.Error())
	}
	return cc.Reply(ctx, fmt.Sprintf("Granted %s to %s.", node, subject))
}

func (s *system) revoke(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 2 {
		return usage("/perm revoke <subject> <node>")(ctx, cc)
	}
	if err := s.pc.Permissions().Revoke(ctx, cc.Args[0], cc.Args[1]); err != nil {
		return cc.Reply(ctx, "Revoke failed: "+err.Error())
	}
	return cc.Reply(ctx, fmt.Sprintf("Revoked %s from %s.", cc.Args[1], cc.Args[0]))
}

func (s *system) check(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 2 {
		return usage("/perm check <subject> <node>")(ctx, cc)
	}
	ok, err := s.pc.Permissions().Check(ctx, cc.Args[0], cc.Args[1])
	if err != nil {
		return cc.Reply(ctx, "Check failed: "+err.Error())
	}
	verdict := "denied"
	if ok {
		verdict = "allowed"
	}
	return cc.Reply(ctx, fmt.Sprintf("%s: %s %s", verdict, cc.Args[0], cc.Args[1]))
}

func (s *system) listGrants(ctx context.Context, cc *plugin.CommandContext) error {
	if len(cc.Args) != 1 {
		return usage("/perm list <subject>")(ctx, cc)
	}
	grants, err := s.pc.Permissions().List(ctx, cc.Args[0])
	if err != nil {
		return cc.Reply(ctx, "List failed: "+err.Error())
	}
	if len(grants) == 0 {
		return cc.Reply(ctx, "No grants for "+cc.Args[0]+".")
	}
	var b strings.Builder
	for _, g := range grants {
		b.WriteString(g.Node)
		if !g.Expire.IsZero() {
			b.WriteString(" until " + g.Expire.UTC().Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	return cc.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// exportPlugins returns the names of the loaded plugins.
func (s *system) exportPlugins(context.Context, ...any) (any, error) {
	all := s.reg.All()
	names := make([]string, len(all))
	for i, inst := range all {
		names[i] = inst.Name()
	}
	return names, nil
}
