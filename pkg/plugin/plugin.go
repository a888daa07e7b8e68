// Package plugin provides the public SDK types for bote plugins.
// Both Lua plugins and natively compiled plugins are described by a Module;
// the runtime hands every plugin its own Context at entrypoint time.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Flag marks special lifecycle treatment for a plugin.
type Flag string

const (
	FlagNoUnload Flag = "no-unload"
	FlagNoReload Flag = "no-reload"
	FlagSystem   Flag = "system"
)

var (
	// ErrInvalidDescriptor is returned by Descriptor.Validate.
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")

	// ErrNoExport is returned when calling an export that was never published.
	ErrNoExport = errors.New("export not published")
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*(\.[A-Za-z][A-Za-z0-9_-]*)*$`)
	versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)@(\S+)$`)
)

// Descriptor contains plugin metadata. Dependencies are informational only;
// the registry never orders entrypoints by them.
type Descriptor struct {
	Name         string   `yaml:"name" json:"name"`                 // Unique dotted identifier: "icu.lama.echo.Echo"
	DisplayName  string   `yaml:"display_name" json:"display_name"` // Optional friendly name
	Authors      []string `yaml:"authors" json:"authors"`
	Version      string   `yaml:"version" json:"version"` // "major.minor@branch"
	Dependencies []string `yaml:"dependencies" json:"dependencies"`
	Flags        []Flag   `yaml:"flags" json:"flags"`
}

// Version is a parsed descriptor version.
type Version struct {
	Major  int
	Minor  int
	Branch string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d@%s", v.Major, v.Minor, v.Branch)
}

// ParseVersion parses a "major.minor@branch" string.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: version %q does not match <int>.<int>@<branch>", ErrInvalidDescriptor, s)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, fmt.Errorf("%w: major version %q: %v", ErrInvalidDescriptor, m[1], err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Version{}, fmt.Errorf("%w: minor version %q: %v", ErrInvalidDescriptor, m[2], err)
	}
	return Version{Major: major, Minor: minor, Branch: m[3]}, nil
}

// Validate checks the descriptor shape.
func (d Descriptor) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q must be dot-separated identifiers", ErrInvalidDescriptor, d.Name)
	}
	if len(d.Authors) == 0 {
		return fmt.Errorf("%w: %s declares no author", ErrInvalidDescriptor, d.Name)
	}
	if _, err := ParseVersion(d.Version); err != nil {
		return err
	}
	for _, f := range d.Flags {
		switch f {
		case FlagNoUnload, FlagNoReload, FlagSystem:
		default:
			return fmt.Errorf("%w: unknown flag %q", ErrInvalidDescriptor, f)
		}
	}
	return nil
}

// Has reports whether the descriptor carries the flag.
func (d Descriptor) Has(f Flag) bool {
	for _, x := range d.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// Title returns DisplayName, falling back to the last segment of Name.
func (d Descriptor) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	if i := strings.LastIndexByte(d.Name, '.'); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// ScopedName returns the human-readable "author:name" key.
func (d Descriptor) ScopedName() string {
	author := "unknown"
	if len(d.Authors) > 0 {
		author = d.Authors[0]
	}
	return author + ":" + d.Title()
}

// EntryPoint is a plugin's main function. It runs exactly once per load.
type EntryPoint func(ctx context.Context, pc Context) error

// Hook is an optional lifecycle callback.
type Hook func(ctx context.Context, pc Context) error

// Hooks holds the optional lifecycle callbacks of a module.
type Hooks struct {
	OnUnload Hook
	OnReload Hook
}

// ExportFunc is a capability a plugin publishes to other plugins.
type ExportFunc func(ctx context.Context, args ...any) (any, error)

// Exports is a plugin's published symbol table. Nothing is shared unless it
// appears here.
type Exports map[string]ExportFunc

// Call invokes the named export.
func (e Exports) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := e[name]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoExport, name)
	}
	return fn(ctx, args...)
}

// Module is an evaluated plugin before it is installed in the registry.
type Module struct {
	Descriptor Descriptor
	Main       EntryPoint
	Exports    Exports
	Hooks      Hooks

	// Managed holds services the module claims to supply, keyed by
	// roles.Service* constants.
	Managed map[string]any

	// Close releases evaluator resources (e.g. a Lua state). May be nil.
	Close func() error
}

// Validate checks that the module has a usable shape.
func (m *Module) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidDescriptor)
	}
	if err := m.Descriptor.Validate(); err != nil {
		return err
	}
	if m.Main == nil {
		return fmt.Errorf("%w: %s has no entrypoint", ErrInvalidDescriptor, m.Descriptor.Name)
	}
	return nil
}

// Context is the runtime surface handed to a plugin. Every registration made
// through it is owned by the plugin and revoked when the plugin unloads.
// After unload the context is closed and registrations through it are
// dropped.
type Context interface {
	// Name returns the owning plugin's unique name.
	Name() string
	Logger() *zap.Logger
	Config() Config

	Subscribe(topic string, handler EventHandler, opts ...SubscribeOption) SubscriptionID
	Once(topic string) <-chan Event
	Emit(ctx context.Context, topic string, payload any) (Outcome, error)

	RegisterCommand(cmd *Command)

	// Permissions returns the evaluator currently in effect.
	Permissions() PermissionEvaluator

	// Require returns another plugin's published exports.
	Require(name string) (Exports, error)

	// Manage offers a cross-cutting service under the given key.
	Manage(key string, service any)
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetStringSlice(key string) []string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}
