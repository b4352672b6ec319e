/*
Package factory assembles the ledger from configuration.

PURPOSE:
  Turns a config.Config into a running object graph: store, upstream
  clients, metrics, service, cashback processor and HTTP handler. Both the
  HTTP server and the CLI subcommands build through here, so they share
  one wiring.

CHOICES:
  DB_DRIVER            sqlite (default) | postgres | memory
  REDIS_URL            set: cashback batches lock through Redis
                       empty: in-process lock
  ORDER_SERVICE_URL    set: charges create sales orders
  CATALOG_SERVICE_URL  set: deposit prices and order enrichment
  DIRECTORY_SERVICE_URL set: owner checks and cashback eligibility
  PURCHASE_HISTORY_URL set: cashback endpoints are enabled

USAGE:
  app, err := factory.Build(ctx, cfg, logger)
  if err != nil { ... }
  defer app.Close()
  router := api.NewRouter(app.Handler, app.Metrics.Handler())

SEE ALSO:
  - config/config.go: Environment variables
  - cmd/server/main.go: Uses Build
*/
package factory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/cashback"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/generic"
	"github.com/warp/ledger-engine/generic/store"
	"github.com/warp/ledger-engine/metrics"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/redislock"
	"github.com/warp/ledger-engine/store/sqlite"
	"github.com/warp/ledger-engine/upstream"
)

// App is the assembled ledger.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     generic.TxStore
	Service   *generic.Service
	Cashback  *cashback.Processor // nil without PURCHASE_HISTORY_URL
	Metrics   *metrics.Metrics
	Handler   *api.Handler
	Scheduler *api.ReconciliationScheduler

	closers []func() error
}

// Close releases the store and the Redis client.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build wires everything described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	lc, err := cfg.Ledger()
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, closer, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = st
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	opts := []generic.Option{
		generic.WithLogger(logger),
		generic.WithRecorder(app.Metrics),
	}
	ucfg := upstream.Config{Timeout: cfg.UpstreamTimeout, Retries: cfg.UpstreamRetries}
	if cfg.OrderServiceURL != "" {
		ucfg.BaseURL = cfg.OrderServiceURL
		opts = append(opts, generic.WithOrderCreator(upstream.NewOrdersClient(ucfg)))
	}
	if cfg.CatalogServiceURL != "" {
		ucfg.BaseURL = cfg.CatalogServiceURL
		catalog := upstream.NewCatalogClient(ucfg, cfg.PriceCacheTTL)
		opts = append(opts, generic.WithPriceLookup(catalog), generic.WithOrderEnricher(catalog))
	}
	if cfg.DirectoryServiceURL != "" {
		ucfg.BaseURL = cfg.DirectoryServiceURL
		opts = append(opts, generic.WithOwnerDirectory(upstream.NewDirectoryClient(ucfg)))
	}
	app.Service = generic.NewService(st, lc, opts...)

	if cfg.PurchaseHistoryURL != "" {
		ucfg.BaseURL = cfg.PurchaseHistoryURL
		popts := []cashback.Option{cashback.OnBatchFinished(app.Metrics.BatchFinished)}
		if cfg.RedisURL != "" {
			rdb, err := redislock.NewClient(ctx, cfg.RedisURL)
			if err != nil {
				app.Close()
				return nil, err
			}
			app.closers = append(app.closers, rdb.Close)
			popts = append(popts, cashback.WithRunLocker(redislock.New(rdb, "ledger:")))
		}
		app.Cashback = cashback.NewProcessor(app.Service, upstream.NewHistoryClient(ucfg), popts...)
	}

	app.Handler = api.NewHandler(app.Service, app.Cashback)
	app.Scheduler = api.NewReconciliationScheduler(app.Handler.Reconciler, logger)
	app.Scheduler.CheckInterval = cfg.ReconcileInterval
	app.Handler.Scheduler = app.Scheduler

	logger.Info("ledger assembled",
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("orders", cfg.OrderServiceURL != ""),
		zap.Bool("catalog", cfg.CatalogServiceURL != ""),
		zap.Bool("directory", cfg.DirectoryServiceURL != ""),
		zap.Bool("cashback", app.Cashback != nil),
		zap.Bool("redis_lock", cfg.RedisURL != "" && app.Cashback != nil),
	)
	return app, nil
}

// OpenStore opens the store named by DB_DRIVER. The returned closer may be
// nil.
func OpenStore(ctx context.Context, cfg *config.Config) (generic.TxStore, func() error, error) {
	switch cfg.DBDriver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "sqlite", "":
		st, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.DatabaseURL, MaxOpenConns: 20, MaxIdleConns: 5})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

// RequireCashback returns the processor or an error explaining why it is
// missing.
func (a *App) RequireCashback() (*cashback.Processor, error) {
	if a.Cashback == nil {
		return nil, errors.New("cashback disabled: PURCHASE_HISTORY_URL is not set")
	}
	return a.Cashback, nil
}
