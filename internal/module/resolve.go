// Package module resolves plugin directory entries to loadable sources and
// evaluates them into plugin.Module values.
package module

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// DisabledSuffix marks an entry that LoadAll skips.
const DisabledSuffix = ".disable"

// Conventional entry files inside a directory module, in lookup order.
const (
	EntryFile    = "init.lua"
	ManifestFile = "plugin.yaml"
	PackageFile  = "package.json"
)

var (
	// ErrNoEntry is returned when a directory has no resolvable entry file.
	ErrNoEntry = errors.New("no entry file: add init.lua, a plugin.yaml with main or native, or a package.json with main")

	// ErrUnsupported is returned for files that are not plugin modules.
	ErrUnsupported = errors.New("unsupported module file")
)

// Kind is how a source is evaluated.
type Kind string

const (
	KindLua    Kind = "lua"
	KindNative Kind = "native"
)

// Source is a resolved directory entry.
type Source struct {
	Path   string // entry as listed in the plugin directory
	Entry  string // file to evaluate (KindLua)
	Native string // catalog name (KindNative)
	Kind   Kind
}

// Manifest is the optional plugin.yaml of a directory module.
type Manifest struct {
	Main   string `yaml:"main"`
	Native string `yaml:"native"`
}

// Disabled reports whether a directory entry name is switched off.
func Disabled(name string) bool {
	return strings.HasSuffix(name, DisabledSuffix)
}

// Candidate reports whether a directory entry may hold a plugin. Hidden
// entries and non-module files are ignored.
func Candidate(name string, isDir bool) bool {
	if strings.HasPrefix(name, ".") || Disabled(name) {
		return false
	}
	if isDir {
		return true
	}
	switch filepath.Ext(name) {
	case ".lua", ".yaml", ".yml":
		return true
	}
	return false
}

// Resolve maps a plugin directory entry to a Source.
func Resolve(path string) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return resolveDir(path)
	}

	switch filepath.Ext(path) {
	case ".lua":
		return Source{Path: path, Entry: path, Kind: KindLua}, nil
	case ".yaml", ".yml":
		return resolveManifest(path, filepath.Dir(path))
	}
	return Source{}, fmt.Errorf("%w: %s", ErrUnsupported, path)
}

func resolveDir(dir string) (Source, error) {
	if entry := filepath.Join(dir, EntryFile); exists(entry) {
		return Source{Path: dir, Entry: entry, Kind: KindLua}, nil
	}
	if mf := filepath.Join(dir, ManifestFile); exists(mf) {
		src, err := resolveManifest(mf, dir)
		if err != nil {
			return Source{}, err
		}
		src.Path = dir
		return src, nil
	}
	if pkg := filepath.Join(dir, PackageFile); exists(pkg) {
		data, err := os.ReadFile(pkg)
		if err != nil {
			return Source{}, fmt.Errorf("read %s: %w", pkg, err)
		}
		main := gjson.GetBytes(data, "main")
		if main.Type != gjson.String || main.String() == "" {
			return Source{}, fmt.Errorf("%s: %w", dir, ErrNoEntry)
		}
		return luaEntry(dir, dir, main.String())
	}
	return Source{}, fmt.Errorf("%s: %w", dir, ErrNoEntry)
}

func resolveManifest(path, base string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Source{}, fmt.Errorf("parse %s: %w", path, err)
	}
	switch {
	case m.Native != "":
		return Source{Path: path, Native: m.Native, Kind: KindNative}, nil
	case m.Main != "":
		return luaEntry(path, base, m.Main)
	}
	return Source{}, fmt.Errorf("%s: %w", path, ErrNoEntry)
}

// luaEntry resolves main relative to base and keeps it inside base.
func luaEntry(path, base, main string) (Source, error) {
	entry := filepath.Join(base, filepath.Clean(main))
	rel, err := filepath.Rel(base, entry)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Source{}, fmt.Errorf("%s: entry %q escapes the module directory", path, main)
	}
	if filepath.Ext(entry) != ".lua" {
		return Source{}, fmt.Errorf("%w: %s", ErrUnsupported, entry)
	}
	if !exists(entry) {
		return Source{}, fmt.Errorf("%s: entry %q not found", path, main)
	}
	return Source{Path: path, Entry: entry, Kind: KindLua}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
