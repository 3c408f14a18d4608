// Package app wires the service together with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/alerting"
	"github.com/bher20/utilitycost/internal/api"
	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/config"
	"github.com/bher20/utilitycost/internal/cron"
	"github.com/bher20/utilitycost/internal/lock"
	"github.com/bher20/utilitycost/internal/logging"
	"github.com/bher20/utilitycost/internal/migrate"
	"github.com/bher20/utilitycost/internal/notification"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
	"github.com/bher20/utilitycost/internal/tariff"
)

// Core provides everything both the API and the worker need.
var Core = fx.Module("core",
	fx.Provide(
		NewLogger,
		clock.Real,
		NewStorage,
		NewLocker,
		NewCatalog,
		NewResolver,
		NewCoalescer,
		NewForecaster,
		NewAlerter,
		NewJob,
		NewDetector,
		NewImporter,
		NewEmailService,
		NewChannels,
		NewDispatcher,
	),
)

// Server serves the HTTP API.
var Server = fx.Module("server",
	fx.Provide(
		auth.NewPolicy,
		NewAPI,
		NewHTTPServer,
	),
	fx.Invoke(func(*http.Server) {}),
)

// Worker runs the scheduled recalculation pipeline.
var Worker = fx.Module("worker",
	fx.Provide(NewWorker),
	fx.Invoke(RunWorker),
)

// Options returns the fx options shared by every command: the config and a
// zap backed fx event logger.
func Options(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
}

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

// NewStorage opens the configured backend. With auto migration on, the
// goose migrations are applied first.
func NewStorage(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (storage.Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := cfg.Database
	if db.AutoMigrate && db.Driver != "memory" && db.Driver != "" {
		if err := migrate.Up(ctx, db.Driver, db.DSN); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("migrations applied", zap.String("driver", db.Driver))
	}

	st, err := storage.Open(ctx, storage.Config{Driver: db.Driver, DSN: db.DSN}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

// NewLocker builds the claim backend shared by replicas.
func NewLocker(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case "", "memory":
		return lock.NewMemoryLocker(), nil

	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := lock.OpenPostgresPool(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
		logger.Info("lock: using postgres advisory locks")
		return lock.NewPostgresLocker(pool), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Lock.RedisAddr,
			DB:   cfg.Lock.RedisDB,
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		logger.Info("lock: using redis", zap.String("addr", cfg.Lock.RedisAddr))
		return lock.NewRedisLocker(client, cfg.Lock.TTL), nil
	}
	return nil, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend)
}

func NewCatalog(store storage.Storage, clk clock.Clock) *rates.StorageCatalog {
	return rates.NewStorageCatalog(store, clk)
}

func NewResolver(catalog *rates.StorageCatalog, clk clock.Clock, cfg config.Config, logger *zap.Logger) *rates.Resolver {
	return rates.NewResolver(catalog, clk, rates.ResolverConfig{
		CatalogTimeout:        cfg.Resolver.CatalogTimeout,
		FallbackWindow:        cfg.Resolver.FallbackWindow,
		EstimatedPrices:       cfg.Resolver.EstimatedPrices,
		DisableEstimatedFloor: cfg.Resolver.DisableFloor,
	}, logger)
}

// NewCoalescer fronts the resolver for the read path only. Recalculation
// talks to the resolver directly so it never sees a resolution cached from
// before a publish.
func NewCoalescer(resolver *rates.Resolver, clk clock.Clock, cfg config.Config) *rates.Coalescer {
	return rates.NewCoalescer(resolver, cfg.Resolver.CoalesceWindow, clk)
}

func NewForecaster(store storage.Storage, lookup *rates.Coalescer) *rates.Forecaster {
	return rates.NewForecaster(store, lookup)
}

func NewAlerter(logger *zap.Logger) *alerting.Alerter {
	return alerting.NewAlerter(alerting.DefaultAlertConfig(), logger)
}

func NewJob(store storage.Storage, resolver *rates.Resolver, locker lock.Locker, clk clock.Clock, alerter *alerting.Alerter, cfg config.Config, logger *zap.Logger) *recalc.Job {
	return recalc.NewJob(store, resolver, locker, clk, alerter, recalc.JobConfig{
		Parallelism: cfg.Recalc.Parallelism,
	}, logger)
}

func NewDetector(store storage.Storage, catalog *rates.StorageCatalog, resolver *rates.Resolver, locker lock.Locker, clk clock.Clock, logger *zap.Logger) *recalc.Detector {
	return recalc.NewDetector(store, catalog, resolver, locker, clk, logger)
}

func NewImporter(catalog *rates.StorageCatalog, clk clock.Clock, logger *zap.Logger) *tariff.Importer {
	return tariff.NewImporter(catalog, clk, logger)
}

func NewEmailService(store storage.Storage, logger *zap.Logger) *notification.Service {
	return notification.NewService(store, logger)
}

// NewChannels always delivers by email; with AMQP_URL set, notifications
// are also published to the broker.
func NewChannels(lc fx.Lifecycle, cfg config.Config, email *notification.Service, store storage.Storage, logger *zap.Logger) ([]notification.Channel, error) {
	channels := []notification.Channel{notification.NewEmailChannel(email, store, logger)}
	if cfg.AMQP.URL == "" {
		return channels, nil
	}

	conn, err := notification.NewConnection(lc, logger, cfg.AMQP.URL)
	if err != nil {
		return nil, err
	}
	pub, err := notification.NewPublisher(conn, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
	if err != nil {
		return nil, err
	}
	// Hooks stop in reverse order, so the channel closes before the
	// connection it was opened on.
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	return append(channels, pub), nil
}

func NewDispatcher(store storage.Storage, channels []notification.Channel, clk clock.Clock, cfg config.Config, logger *zap.Logger) *notification.Dispatcher {
	return notification.NewDispatcher(store, channels, clk, notification.DispatcherConfig{
		MaxAttempts: cfg.Notify.MaxAttempts,
		BatchSize:   cfg.Notify.BatchSize,
	}, logger)
}

type apiParams struct {
	fx.In

	Config     config.Config
	Store      storage.Storage
	Clock      clock.Clock
	Catalog    *rates.StorageCatalog
	Lookup     *rates.Coalescer
	Forecaster *rates.Forecaster
	Job        *recalc.Job
	Dispatcher *notification.Dispatcher
	Email      *notification.Service
	Policy     *auth.Policy
	Logger     *zap.Logger
}

func NewAPI(p apiParams) http.Handler {
	return api.NewMux(&api.Server{
		Store:       p.Store,
		Clock:       p.Clock,
		Catalog:     p.Catalog,
		Lookup:      p.Lookup,
		Forecaster:  p.Forecaster,
		Job:         p.Job,
		Dispatcher:  p.Dispatcher,
		Email:       p.Email,
		Policy:      p.Policy,
		DefaultRole: p.Config.API.DefaultRole,
		Logger:      p.Logger,
	})
}

// NewHTTPServer listens on the configured port for the lifetime of the app.
func NewHTTPServer(lc fx.Lifecycle, cfg config.Config, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			logger.Info("http server shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	})
	return srv
}

func NewWorker(store storage.Storage, detector *recalc.Detector, job *recalc.Job, dispatcher *notification.Dispatcher, locker lock.Locker, clk clock.Clock, cfg config.Config, logger *zap.Logger) *cron.Worker {
	return cron.NewWorker(store, detector, job, dispatcher, locker, clk, cron.Config{
		Schedule:  cfg.Worker.Schedule,
		Utilities: cfg.Worker.Utilities,
	}, logger)
}

// RunWorker starts the worker loop with the app and waits for it to wind
// down on stop.
func RunWorker(lc fx.Lifecycle, w *cron.Worker, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("worker stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
