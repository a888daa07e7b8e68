package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: BOTE_TRANSPORT_LISTEN=:9090.
const EnvPrefix = "BOTE"

// SetDefaults installs the default value of every key bote reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stderr"})
	v.SetDefault("dev_mode", false)

	v.SetDefault("plugins.dir", "./plugins")
	v.SetDefault("plugins.max_parallel", 0)
	v.SetDefault("plugins.call_timeout", "5s")

	v.SetDefault("database.path", "./data/bote.db")

	v.SetDefault("permissions.backend", "sqlite")
	v.SetDefault("permissions.default_grants", []string{})

	v.SetDefault("bot.username", "")

	v.SetDefault("transport.console", false)
	v.SetDefault("transport.listen", "127.0.0.1:8085")
	v.SetDefault("transport.secret", "")
	v.SetDefault("transport.token_ttl", "720h")
	v.SetDefault("transport.rate_limit", 1.0)
	v.SetDefault("transport.burst", 5)
	v.SetDefault("transport.http_rate_limit", 20.0)
	v.SetDefault("transport.http_burst", 40)
	v.SetDefault("transport.chat_id", 1)
	v.SetDefault("transport.sender_id", 1)
}

// LoadConfig reads configuration from file and environment variables. An
// empty configPath searches for bote.yaml in the usual places; a missing file
// there is not an error.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bote")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/bote")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}
