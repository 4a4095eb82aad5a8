package app

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"datacore/internal/config"
	"datacore/internal/registry"
	"datacore/internal/schema"
	"datacore/internal/shared"
	"datacore/pkg/retry"
)

// startDataSources registers and activates every configured data source. A
// data source that fails to activate is logged and left inactive; the others
// still start.
func (a *App) startDataSources(ctx context.Context, reg *registry.Registry) {
	migrations := os.DirFS(a.cfg.MigrationsDir)
	for _, ds := range a.cfg.DataSources {
		log := a.log.With(slog.String("datasource", ds.Name), slog.String("dialect", ds.Dialect))
		if err := registerDataSource(reg, migrations, ds); err != nil {
			log.Error("register failed", slog.Any("err", err))
			continue
		}
		if err := activateWithRetry(ctx, reg, ds.Name, func(attempt int, err error, next time.Duration) {
			log.Warn("activation failed, retrying", slog.Int("attempt", attempt), slog.Duration("next", next), slog.Any("err", err))
		}); err != nil {
			log.Error("activation failed", slog.String("kind", shared.KindOf(err).String()), slog.Any("err", err))
		}
	}
}

// registerDataSource registers ds with the migrations found in the
// sub-directory named after it. A missing directory means no migrations.
func registerDataSource(reg *registry.Registry, migrations fs.FS, ds config.DataSource) error {
	ms, err := schema.LoadFS(migrations, ds.Name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return reg.Register(ds, ms...)
}

// activateWithRetry retries activations that failed for a transient reason,
// such as a database server that is still starting.
func activateWithRetry(ctx context.Context, reg *registry.Registry, name string, onRetry func(int, error, time.Duration)) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 10 * time.Second
	cfg.OnRetry = onRetry
	return retry.DoWithRetryable(ctx, cfg, func(ctx context.Context) error {
		_, err := reg.Activate(ctx, name)
		return err
	}, shared.IsRetryable)
}
