package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const echoPlugin = `return {
  descriptor = { name = "icu.lama.Echo", authors = {"lama"}, version = "1.0@stable", flags = {"no-reload"} },
  main = function(bote) end,
}`

// setup writes a configuration file into a temp dir and returns its path.
func setup(t *testing.T) (cfgPath, pluginDir string) {
	t.Helper()
	dir := t.TempDir()
	pluginDir = filepath.Join(dir, "plugins")
	if err := os.MkdirAll(pluginDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := "logging:\n  level: error\n" +
		"database:\n  path: " + filepath.Join(dir, "bote.db") + "\n" +
		"plugins:\n  dir: " + pluginDir + "\n" +
		"transport:\n  secret: test-secret\n"
	cfgPath = filepath.Join(dir, "bote.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, pluginDir
}

// withoutSecret is setup with the relay secret left out.
func withoutSecret(t *testing.T) string {
	t.Helper()
	cfg, _ := setup(t)
	data, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	data = bytes.ReplaceAll(data, []byte("transport:\n  secret: test-secret\n"), nil)
	if err := os.WriteFile(cfg, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "bote ") {
		t.Errorf("output = %q, want prefix %q", out, "bote ")
	}
}

func TestTokenIssue(t *testing.T) {
	cfg, _ := setup(t)
	out, err := execute(t, "--config", cfg, "token", "issue", "relay-1")
	if err != nil {
		t.Fatalf("token issue error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("output %q is not a JWT", out)
	}
}

func TestPermCommands(t *testing.T) {
	cfg, _ := setup(t)

	if _, err := execute(t, "--config", cfg, "perm", "grant", "42", "icu.lama.*"); err != nil {
		t.Fatalf("perm grant error = %v", err)
	}
	out, err := execute(t, "--config", cfg, "perm", "check", "42", "icu.lama.echo")
	if err != nil {
		t.Fatalf("perm check error = %v", err)
	}
	if strings.TrimSpace(out) != "allowed" {
		t.Errorf("check = %q, want allowed", out)
	}

	out, err = execute(t, "--config", cfg, "perm", "list", "42")
	if err != nil {
		t.Fatalf("perm list error = %v", err)
	}
	if !strings.Contains(out, "icu.lama.*\texpires never") {
		t.Errorf("list = %q", out)
	}

	if _, err := execute(t, "--config", cfg, "perm", "revoke", "42", "icu.lama.*"); err != nil {
		t.Fatalf("perm revoke error = %v", err)
	}
	out, _ = execute(t, "--config", cfg, "perm", "check", "42", "icu.lama.echo")
	if strings.TrimSpace(out) != "denied" {
		t.Errorf("check after revoke = %q, want denied", out)
	}

	out, err = execute(t, "--config", cfg, "perm", "list", "--history", "42")
	if err != nil {
		t.Fatalf("perm list --history error = %v", err)
	}
	if !strings.Contains(out, "icu.lama.*") {
		t.Errorf("history = %q, want revoked grant", out)
	}
}

func TestPermGrant_invalid_node(t *testing.T) {
	cfg, _ := setup(t)
	if _, err := execute(t, "--config", cfg, "perm", "grant", "42", "a..b"); err == nil {
		t.Fatal("expected error for malformed node")
	}
}

func TestPluginsLs(t *testing.T) {
	cfg, dir := setup(t)
	if err := os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(echoPlugin), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "old.lua.disable"), []byte("broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, "--config", cfg, "plugins", "ls")
	if err != nil {
		t.Fatalf("plugins ls error = %v", err)
	}
	if !strings.Contains(out, "icu.lama.Echo") || !strings.Contains(out, "no-reload") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "old.lua") {
		t.Errorf("disabled entry listed: %q", out)
	}
}

func TestPluginsLs_reports_failures(t *testing.T) {
	cfg, dir := setup(t)
	if err := os.WriteFile(filepath.Join(dir, "bad.lua"), []byte("return 42"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "--config", cfg, "plugins", "ls")
	if err == nil {
		t.Fatal("expected error for broken plugin")
	}
	if !strings.Contains(out, "bad.lua (error:") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_console(t *testing.T) {
	cfg, dir := setup(t)
	if err := os.WriteFile(filepath.Join(dir, "echo.lua"), []byte(echoPlugin), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BOTE_TRANSPORT_LISTEN", "127.0.0.1:0")
	t.Setenv("BOTE_PERMISSIONS_BACKEND", "memory")

	// Console mode reads os.Stdin; an empty stdin ends the run at once.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	w.Close()
	stdin := os.Stdin
	os.Stdin = r
	t.Cleanup(func() { os.Stdin = stdin; r.Close() })

	if _, err := execute(t, "--config", cfg, "run", "--console"); err != nil {
		t.Fatalf("run error = %v", err)
	}
}

func TestRun_requires_relay_secret(t *testing.T) {
	cfg := withoutSecret(t)
	t.Setenv("BOTE_TRANSPORT_LISTEN", "127.0.0.1:0")

	_, err := execute(t, "--config", cfg, "run")
	if err == nil || !strings.Contains(err.Error(), "transport.secret") {
		t.Fatalf("run error = %v, want missing secret", err)
	}
}

func TestRun_dev_mode_allows_missing_secret(t *testing.T) {
	cfg := withoutSecret(t)
	t.Setenv("BOTE_DEV_MODE", "true")
	t.Setenv("BOTE_TRANSPORT_LISTEN", "127.0.0.1:0")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	w.Close()
	stdin := os.Stdin
	os.Stdin = r
	t.Cleanup(func() { os.Stdin = stdin; r.Close() })

	if _, err := execute(t, "--config", cfg, "run", "--console"); err != nil {
		t.Fatalf("run error = %v", err)
	}
}

func TestRun_unknown_backend(t *testing.T) {
	cfg, _ := setup(t)
	t.Setenv("BOTE_PERMISSIONS_BACKEND", "ldap")
	if _, err := execute(t, "--config", cfg, "run"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
