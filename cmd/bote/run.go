package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/builtin"
	"github.com/HerbHall/bote/internal/config"
	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/internal/module/lua"
	"github.com/HerbHall/bote/internal/runtime"
	"github.com/HerbHall/bote/internal/server"
	"github.com/HerbHall/bote/internal/transport"
	"github.com/HerbHall/bote/internal/version"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		Long: `Load every plugin, start the HTTP server and relay gateway, and
dispatch updates until interrupted. With --console, updates are read from
stdin instead of the relay gateway.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cmd.Flags().Changed("console") {
				v.Set("transport.console", console)
			}
			return run(cmd.Context(), v, logger)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "read updates from stdin")
	return cmd
}

func run(parent context.Context, v *viper.Viper, logger *zap.Logger) error {
	logger.Info("bote starting", zap.String("version", version.Short()))
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := tokenService(v)
	if err != nil {
		if !v.GetBool("dev_mode") {
			return fmt.Errorf("relay gateway: %w; set dev_mode to accept unauthenticated local relays", err)
		}
		logger.Warn("relay authentication disabled in dev mode")
	}

	backend, err := openPermissions(ctx, v, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	loader := module.NewLoader(nil, lua.NewEvaluator(lua.WithCallTimeout(v.GetDuration("plugins.call_timeout"))))
	rt := runtime.New(runtime.Config{
		PluginDir:   v.GetString("plugins.dir"),
		MaxParallel: v.GetInt("plugins.max_parallel"),
		BotUsername: v.GetString("bot.username"),
		RateLimit:   v.GetFloat64("transport.rate_limit"),
		Burst:       v.GetInt("transport.burst"),
	}, backend.evaluator, loader, config.New(v).Sub("plugins.config"), logger)

	if _, err := rt.Registry().Install(builtin.New(rt.Registry())); err != nil {
		return fmt.Errorf("install system plugin: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	gateway := transport.NewGateway(tokens, logger.Named("relay"))
	srv := server.New(server.Config{
		Addr:      v.GetString("transport.listen"),
		RateLimit: v.GetFloat64("transport.http_rate_limit"),
		Burst:     v.GetInt("transport.http_burst"),
	}, rt.Registry(), logger.Named("http"), backend.ready, gateway)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	var src transport.Source = gateway
	if v.GetBool("transport.console") {
		src = transport.NewConsole(os.Stdin, os.Stdout, v.GetInt64("transport.chat_id"), v.GetInt64("transport.sender_id"))
		logger.Info("reading updates from stdin")
	}

	runErr := rt.Run(ctx, src)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("bote stopped")
	return runErr
}
