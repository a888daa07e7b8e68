package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/config"
)

type globalFlags struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "bote",
		Short: "Plugin-driven chat bot runtime",
		Long: `bote loads Lua and native plugins from a directory, routes chat
commands to them and guards every command with hierarchical permissions.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to configuration file (default: ./bote.yaml)")

	cmd.AddCommand(
		newRunCommand(flags),
		newPluginsCommand(flags),
		newPermCommand(flags),
		newTokenCommand(flags),
		newVersionCommand(),
	)
	return cmd
}

// load reads configuration and builds the logger every subcommand shares.
func (f *globalFlags) load() (*viper.Viper, *zap.Logger, error) {
	v, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	return v, logger, nil
}
