// Package app wires configuration into a running engine: logger, store,
// optional Redis party lock, metrics observer.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/logger"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/store"
	"go.uber.org/multierr"
)

// App owns every long-lived resource of a process.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	Store  store.Store
	Engine *ledger.Engine

	redis *redis.Client
}

// NewLogger builds the process logger from config.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: service,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})
}

// Build opens the store and constructs the engine. reg may be nil.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) (*App, error) {
	s, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Log: log, Store: s}

	opts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithLegacySweep(cfg.Ledger.LegacySweep),
		ledger.WithObserver(metrics.NewLedgerMetrics(reg)),
	}

	if cfg.Redis.Enabled() {
		locker, rdb, err := lock.Connect(ctx, cfg.Redis.URL,
			lock.WithTTL(cfg.Redis.LockTTL),
			lock.WithLogger(log),
		)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rdb
		opts = append(opts, ledger.WithLocker(locker))
		log.Info(ctx, "party lock enabled")
	}

	a.Engine = ledger.NewEngine(s, opts...)
	log.Info(log.WithFields(ctx, map[string]any{
		"db_driver":    cfg.DB.Driver,
		"legacy_sweep": cfg.Ledger.LegacySweep,
	}), "ledger engine ready")
	return a, nil
}

// Close releases the store and the redis client.
func (a *App) Close() error {
	var err error
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	return multierr.Append(err, a.Store.Close())
}
