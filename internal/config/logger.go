package config

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/bote/internal/version"
)

// LoggerName is the name of the root logger. Components hang off it with
// Named, e.g. "bote.relay".
const LoggerName = "bote"

// LogSettings are the logging.* keys plus the dev_mode switch.
type LogSettings struct {
	Level   zapcore.Level
	Format  string // json or console
	Outputs []string
	DevMode bool
}

// ReadLogSettings validates the logging configuration. dev_mode forces
// debug level and the console format.
func ReadLogSettings(v *viper.Viper) (LogSettings, error) {
	s := LogSettings{
		Format:  v.GetString("logging.format"),
		Outputs: v.GetStringSlice("logging.outputs"),
		DevMode: v.GetBool("dev_mode"),
	}
	level := v.GetString("logging.level")
	if err := s.Level.UnmarshalText([]byte(level)); err != nil {
		return LogSettings{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch s.Format {
	case "":
		s.Format = "json"
	case "json", "console":
	default:
		return LogSettings{}, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", s.Format)
	}
	if len(s.Outputs) == 0 {
		s.Outputs = []string{"stderr"}
	}
	if s.DevMode {
		s.Level = zapcore.DebugLevel
		s.Format = "console"
	}
	return s, nil
}

// NewLogger builds the root "bote" logger from configuration. Every entry
// carries the build version.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	s, err := ReadLogSettings(v)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if s.DevMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Encoding = s.Format
	if s.Format == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(s.Level)
	cfg.OutputPaths = s.Outputs
	cfg.InitialFields = map[string]any{"version": version.Short()}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named(LoggerName), nil
}
