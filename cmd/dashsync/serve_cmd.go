package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"

	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/defaults"
	"github.com/iota-uz/dashsync/modules/layouts/infrastructure/persistence"
	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/configuration"
	"github.com/iota-uz/dashsync/pkg/eventbus"
	"github.com/iota-uz/dashsync/pkg/logging"
	"github.com/iota-uz/dashsync/pkg/metrics"
	"github.com/iota-uz/dashsync/pkg/middleware"
	"github.com/iota-uz/dashsync/pkg/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the layout API and its change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			if addr != "" {
				conf.SocketAddress = addr
			}
			return runServe(cmd.Context(), conf)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to PORT / GO_APP_ENV)")
	return cmd
}

// openRepository returns the region store selected by LAYOUT_STORE with its
// health check and a close func.
func openRepository(ctx context.Context, conf *configuration.Configuration, log *logrus.Entry) (services.RegionRepository, server.HealthCheck, func(), error) {
	if conf.Layout.Store == "sqlite" {
		repo, err := persistence.NewSQLiteRegionRepository(conf.Layout.SQLitePath)
		if err != nil {
			return nil, nil, nil, withCode(exitDB, err)
		}
		log.WithField("path", conf.Layout.SQLitePath).Info("using sqlite layout store")
		return repo, repo.Ping, func() { _ = repo.Close() }, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, conf.Database.Opts)
	if err != nil {
		return nil, nil, nil, withCode(exitDB, errors.Wrap(err, "connect postgres"))
	}
	if err := persistence.Migrate(connectCtx, pool, log.WithField("component", "layouts.migrations")); err != nil {
		pool.Close()
		return nil, nil, nil, withCode(exitDB, err)
	}
	repo := persistence.NewRegionRepository(pool)
	return repo, repo.Ping, pool.Close, nil
}

func runServe(ctx context.Context, conf *configuration.Configuration) error {
	logger := conf.Logger()
	log := logrus.NewEntry(logger)

	if conf.OpenTelemetry.Enabled {
		cleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
		defer cleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	repo, check, closeRepo, err := openRepository(ctx, conf, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	catalog, err := defaults.Load(conf.Layout.DefaultsPath)
	if err != nil {
		return withCode(exitConfig, err)
	}

	var source services.DefaultsSource = catalog
	checks := map[string]server.HealthCheck{conf.Layout.Store: check}
	if conf.RedisURL != "" {
		opts, err := redis.ParseURL(conf.RedisURL)
		if err != nil {
			return withCode(exitConfig, fmt.Errorf("invalid REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		source = persistence.NewCachedDefaults(client, catalog, conf.Layout.DefaultsCacheTTL, log.WithField("component", "layouts.defaults_cache"))
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	bus := eventbus.NewEventPublisher(logger)
	service := services.NewLayoutService(repo, source, log.WithField("component", "layouts.service")).WithEvents(bus)
	hub := controllers.NewLayoutEventsHub(log)
	unsubscribe := bus.Subscribe(hub.Publish)
	defer unsubscribe()
	go hub.Run(ctx)

	ctrls := []server.Controller{
		controllers.NewLayoutAPIController(service, log.WithField("component", "layouts.api")),
		controllers.NewLayoutEventsController(hub, conf.CorsAllowedOrigins, log.WithField("component", "layouts.events")),
		server.NewHealthController(checks),
	}
	if conf.Prometheus.Enabled {
		ctrls = append(ctrls, metrics.NewPrometheusController(conf.Prometheus.Path, nil))
	}

	loggerOpts := middleware.DefaultLoggerOptions()
	loggerOpts.RequestIDHeader = conf.RequestIDHeader
	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(logger, loggerOpts),
		middleware.Cors(conf.CorsAllowedOrigins...),
	}

	if conf.RateLimit.Enabled {
		var store limiter.Store
		switch conf.RateLimit.Storage {
		case "redis":
			store, err = middleware.NewRedisStore(conf.RateLimit.RedisURL)
			if err != nil {
				logger.WithError(err).Warn("Failed to create Redis store for rate limiting, falling back to memory")
				store = middleware.NewMemoryStore()
			}
		default:
			store = middleware.NewMemoryStore()
		}
		middlewares = append(middlewares, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerPeriod: conf.RateLimit.GlobalRPS,
			Store:             store,
		}))
	}

	srv := server.NewHTTPServer(ctrls, middlewares, nil, nil)
	srv.Logger = logger

	return srv.Serve(ctx, conf.SocketAddress)
}
