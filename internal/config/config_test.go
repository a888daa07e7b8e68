package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := v.GetString("plugins.dir"); got != "./plugins" {
		t.Errorf("plugins.dir = %q, want %q", got, "./plugins")
	}
	if got := v.GetString("permissions.backend"); got != "sqlite" {
		t.Errorf("permissions.backend = %q, want %q", got, "sqlite")
	}
	if got := v.GetDuration("transport.token_ttl"); got != 720*time.Hour {
		t.Errorf("transport.token_ttl = %v, want 720h", got)
	}
	if v.ConfigFileUsed() != "" {
		t.Errorf("ConfigFileUsed() = %q, want none", v.ConfigFileUsed())
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bote.yaml")
	yaml := `
plugins:
  dir: /srv/bote/plugins
  config:
    icu.lama.Echo:
      prefix: ">>"
permissions:
  backend: memory
  default_grants: [icu.lama.echo, bote.plugins.list]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := v.GetString("plugins.dir"); got != "/srv/bote/plugins" {
		t.Errorf("plugins.dir = %q", got)
	}
	if got := v.GetStringSlice("permissions.default_grants"); len(got) != 2 || got[1] != "bote.plugins.list" {
		t.Errorf("default_grants = %v", got)
	}
	if got := v.GetString("logging.level"); got != "info" {
		t.Errorf("logging.level = %q, want default %q", got, "info")
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BOTE_TRANSPORT_LISTEN", ":9999")

	v, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := v.GetString("transport.listen"); got != ":9999" {
		t.Errorf("transport.listen = %q, want %q", got, ":9999")
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bote.yaml")
	if err := os.WriteFile(path, []byte("plugins: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestViperConfig_Sub(t *testing.T) {
	v := viper.New()
	v.Set("plugins.config.icu.lama.Echo.prefix", ">>")
	v.Set("plugins.config.icu.lama.Echo.count", 3)
	v.Set("plugins.config.icu.lama.Echo.tags", []string{"a", "b"})

	cfg := New(v).Sub("plugins.config")
	echo := cfg.Sub("icu.lama.Echo")
	if got := echo.GetString("prefix"); got != ">>" {
		t.Errorf("prefix = %q, want %q", got, ">>")
	}
	if got := echo.GetInt("count"); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := echo.GetStringSlice("tags"); len(got) != 2 {
		t.Errorf("tags = %v", got)
	}

	missing := cfg.Sub("nope")
	if missing == nil {
		t.Fatal("Sub() of missing key returned nil")
	}
	if missing.IsSet("prefix") {
		t.Error("missing subtree reports keys")
	}
}

func TestViperConfig_NilViper(t *testing.T) {
	cfg := New(nil)
	if cfg.Viper() == nil {
		t.Fatal("Viper() = nil")
	}
	if cfg.GetString("x") != "" {
		t.Error("empty config returned a value")
	}
}
