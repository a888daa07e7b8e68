package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/internal/permission"
	"github.com/HerbHall/bote/internal/server"
	"github.com/HerbHall/bote/internal/store"
	"github.com/HerbHall/bote/internal/transport"
	"github.com/HerbHall/bote/internal/version"
	"github.com/HerbHall/bote/pkg/plugin"
)

// permissionBackend is the evaluator selected by permissions.backend plus
// whatever it needs released on exit.
type permissionBackend struct {
	evaluator plugin.PermissionEvaluator
	store     *store.SQLiteStore
	ready     server.ReadinessChecker
}

func (b *permissionBackend) close() {
	if b.store != nil {
		_ = b.store.Close()
	}
}

func openPermissions(ctx context.Context, v *viper.Viper, logger *zap.Logger) (*permissionBackend, error) {
	defaults := permission.WithDefaults(v.GetStringSlice("permissions.default_grants")...)

	kind := v.GetString("permissions.backend")
	if v.GetBool("dev_mode") {
		logger.Warn("dev_mode: every command is allowed")
		kind = "allow"
	}

	switch kind {
	case "sqlite":
		st, err := openStore(ctx, v, logger)
		if err != nil {
			return nil, err
		}
		pe, err := permission.NewSQLStore(ctx, st, defaults)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open permission store: %w", err)
		}
		return &permissionBackend{
			evaluator: pe,
			store:     st,
			ready:     func(ctx context.Context) error { return st.DB().PingContext(ctx) },
		}, nil
	case "memory":
		logger.Warn("permission grants are kept in memory and lost on exit")
		return &permissionBackend{evaluator: permission.NewMemory(defaults)}, nil
	case "allow":
		return &permissionBackend{evaluator: permission.AllowAll{}}, nil
	}
	return nil, fmt.Errorf("unknown permissions.backend %q: must be sqlite, memory or allow", kind)
}

func openStore(ctx context.Context, v *viper.Viper, logger *zap.Logger) (*store.SQLiteStore, error) {
	path := v.GetString("database.path")
	st, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.CheckVersion(ctx, version.Short()); err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", path))
	return st, nil
}

func tokenService(v *viper.Viper) (*transport.TokenService, error) {
	secret := v.GetString("transport.secret")
	if secret == "" {
		return nil, errors.New("transport.secret is not set")
	}
	return transport.NewTokenService([]byte(secret), v.GetDuration("transport.token_ttl")), nil
}
