package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/outbox/v2"
	"github.com/velmie/outbox/v2/config"
	"github.com/velmie/outbox/v2/mysql"
	"github.com/velmie/outbox/v2/otelmetrics"
	"github.com/velmie/outbox/v2/postgres"
	"github.com/velmie/outbox/v2/redis"
)

const meterName = "github.com/velmie/outbox"

// App holds the wired components of a relay deployment.
type App struct {
	Config   Config
	DB       *sql.DB
	Store    outbox.Store
	Locker   outbox.Locker
	Source   outbox.Source
	Registry *outbox.Registry
	Relay    *outbox.Relay
	Enqueuer *outbox.Enqueuer
	Metrics  outbox.Metrics
	// Properties is the settings file source; nil when no settings file is configured.
	Properties *config.File

	logger  outbox.Logger
	closers []func(context.Context) error
}

// New opens connections and builds every component described by cfg. Connections are opened
// lazily by the drivers; use Ping to verify reachability.
func New(ctx context.Context, cfg Config, logger outbox.Logger) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = outbox.NopLogger{}
	}

	app = &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if err := app.openStore(); err != nil {
		return nil, err
	}
	if err := app.openLocking(); err != nil {
		return nil, err
	}
	if err := app.openMetrics(ctx); err != nil {
		return nil, err
	}

	var src outbox.PropertySource = outbox.MapSource{}
	if cfg.Settings != "" {
		app.Properties, err = config.Load(cfg.Settings)
		if err != nil {
			return nil, err
		}
		src = app.Properties
	}
	app.Registry = outbox.NewRegistry(src, logger)
	app.closers = append(app.closers, app.Registry.Shutdown)

	app.Relay = outbox.NewRelay(app.Store, app.Source, app.Locker, app.Registry,
		outbox.WithLogger(logger),
		outbox.WithMetrics(app.Metrics),
		outbox.WithExportInterval(cfg.ExportInterval),
	)
	app.Enqueuer = outbox.NewEnqueuer(app.Store, app.Registry, nil, logger)

	return app, nil
}

func (a *App) openStore() error {
	db, err := sql.Open(a.Config.Database.Driver, a.Config.Database.DSN)
	if err != nil {
		return fmt.Errorf("outbox bootstrap: open %s: %w", a.Config.Database.Driver, err)
	}
	if a.Config.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(a.Config.Database.MaxOpenConns)
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	switch a.Config.Database.Driver {
	case DriverMySQL:
		var opts []mysql.Option
		if a.Config.Database.Table != "" {
			opts = append(opts, mysql.WithTable(a.Config.Database.Table))
		}
		a.Store, err = mysql.NewStore(db, opts...)
	case DriverPostgres:
		var opts []postgres.Option
		if a.Config.Database.Table != "" {
			opts = append(opts, postgres.WithTable(a.Config.Database.Table))
		}
		a.Store, err = postgres.NewStore(db, opts...)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedDriver, a.Config.Database.Driver)
	}

	return err
}

func (a *App) openLocking() error {
	switch a.Config.Lock.Type {
	case LockLocal:
		locker := outbox.NewLocalLocker(nil, a.logger)
		a.closers = append(a.closers, func(context.Context) error {
			locker.Close()

			return nil
		})
		a.Locker = locker
		a.Source = outbox.NewSingleInstanceSource(a.Store)

		return nil
	case LockRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })

		lockOpts := []redis.LockerOption{redis.WithLockLogger(a.logger)}
		stashOpts := []redis.StashOption{redis.WithStashLogger(a.logger)}
		if prefix := a.Config.Redis.Prefix; prefix != "" {
			lockOpts = append(lockOpts, redis.WithLockPrefix(prefix+"lock:"))
			stashOpts = append(stashOpts, redis.WithStashPrefix(prefix+"stash:"))
		}

		locker, err := redis.NewLocker(client, lockOpts...)
		if err != nil {
			return err
		}
		stash, err := redis.NewClaimStash(client, stashOpts...)
		if err != nil {
			return err
		}
		a.Locker = locker
		a.Source = outbox.NewDistributedSource(a.Store, stash, nil, a.logger)

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLockType, a.Config.Lock.Type)
	}
}

func (a *App) openMetrics(ctx context.Context) error {
	if a.Config.Metrics.Endpoint == "" {
		a.Metrics = outbox.NopMetrics{}

		return nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(a.Config.Metrics.Endpoint)}
	if a.Config.Metrics.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("outbox bootstrap: create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", a.Config.Metrics.ServiceName))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(a.Config.Metrics.Interval))),
	)
	a.closers = append(a.closers, provider.Shutdown)

	metrics, err := otelmetrics.New(provider.Meter(meterName))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return metrics.Close() })
	a.Metrics = metrics

	return nil
}

// Ping verifies the database connection.
func (a *App) Ping(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("outbox bootstrap: ping %s: %w", a.Config.Database.Driver, err)
	}

	return nil
}

// Run drains handlers until ctx ends. With WatchSettings, settings file changes refresh the
// registry while the relay runs.
func (a *App) Run(ctx context.Context, handlers *outbox.HandlerSet) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Relay.Run(ctx, handlers)
	})

	if a.Config.WatchSettings && a.Properties != nil {
		watcher := config.NewWatcher(a.Properties, []config.Refresher{a.Registry}, config.WithWatcherLogger(a.logger))
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if a.Config.Cleanup.Retention > 0 {
		g.Go(func() error {
			return a.RunCleanup(ctx)
		})
	}

	return g.Wait()
}

// CleanupReport counts the events removed by one cleanup pass.
type CleanupReport struct {
	Disabled  int64 `json:"disabled"`
	Exhausted int64 `json:"exhausted"`
}

// CleanupOnce runs a single cleanup pass with the configured retention. On MySQL the pass is
// skipped when another session holds the cleanup advisory lock.
func (a *App) CleanupOnce(ctx context.Context) (CleanupReport, error) {
	if a.Config.Cleanup.Retention <= 0 {
		return CleanupReport{}, ErrRetentionRequired
	}

	switch store := a.Store.(type) {
	case *mysql.Store:
		maintainer, err := a.cleanupMaintainer(store)
		if err != nil {
			return CleanupReport{}, err
		}
		res, err := maintainer.Ensure(ctx)

		return CleanupReport{Disabled: res.Disabled, Exhausted: res.Exhausted}, err
	case *postgres.Store:
		removed, err := store.Cleanup(ctx, postgres.CleanupOptions{
			Before: time.Now().Add(-a.Config.Cleanup.Retention),
			Limit:  a.Config.Cleanup.Limit,
		})

		return CleanupReport{Disabled: removed}, err
	default:
		return CleanupReport{}, fmt.Errorf("%w: %T", ErrUnsupportedDriver, a.Store)
	}
}

// RunCleanup repeats cleanup passes every configured interval until ctx ends.
func (a *App) RunCleanup(ctx context.Context) error {
	if a.Config.Cleanup.Retention <= 0 {
		return ErrRetentionRequired
	}
	if store, ok := a.Store.(*mysql.Store); ok {
		maintainer, err := a.cleanupMaintainer(store)
		if err != nil {
			return err
		}
		if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	}

	interval := a.Config.Cleanup.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := a.CleanupOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("outbox cleanup failed", "err", err)
		case report.Disabled > 0:
			a.logger.Info("outbox cleanup removed events", "disabled", report.Disabled)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) cleanupMaintainer(store *mysql.Store) (*mysql.CleanupMaintainer, error) {
	return mysql.NewCleanupMaintainer(a.DB, mysql.CleanupMaintainerConfig{
		Table:             store.Table(),
		Retention:         a.Config.Cleanup.Retention,
		CheckEvery:        a.Config.Cleanup.Interval,
		Limit:             a.Config.Cleanup.Limit,
		ExhaustedAttempts: a.Config.Cleanup.ExhaustedAttempts,
		LockName:          a.Config.Cleanup.LockName,
		Logger:            a.logger,
	})
}

// Close releases components in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}
