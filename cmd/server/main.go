package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/proms-analytics-server/internal/api"
	"github.com/proms-analytics-server/internal/cache"
	"github.com/proms-analytics-server/internal/config"
	"github.com/proms-analytics-server/internal/database"
	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/scorestore"
	"github.com/proms-analytics-server/internal/service"
	"github.com/proms-analytics-server/internal/store"
	"github.com/proms-analytics-server/pkg/equation"
)

func main() {
	logger := logrus.New()

	configManager, err := config.NewManager()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configManager.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	cfg := configManager.GetConfig()

	configureLogger(logger, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Schema migrations for the derived score tables.
	migrator, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration runner")
	}
	if err := migrator.Up(); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	migrator.Close()

	db, err := database.NewConnection(ctx, database.Config{
		DSN:             configManager.GetDatabaseDSN(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	domainStore := store.NewPostgres(db.Pool, logger)

	scoreStore, err := scorestore.NewPostgresStoreFromURL(configManager.GetDatabaseURL())
	if err != nil {
		logger.WithError(err).Fatal("Failed to open score store")
	}
	defer scoreStore.Close()

	// Cache: Redis behind a circuit breaker; backend failure degrades to
	// pass-through computation.
	redisBackend, err := cache.NewRedisBackend(cache.RedisConfig{
		URL:         cfg.Cache.RedisURL,
		PoolSize:    cfg.Cache.PoolSize,
		PoolTimeout: cfg.Cache.PoolTimeout,
		MaxRetries:  cfg.Cache.MaxRetries,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	cacheLayer := cache.New(cache.NewBreakerBackend(redisBackend, logger), cache.Config{
		PatientTTL:    cfg.Cache.PatientTTL,
		PopulationTTL: cfg.Cache.PopulationTTL,
		MemorySize:    cfg.Cache.MemorySize,
		MemoryTTL:     cfg.Cache.MemoryTTL,
	}, logger)
	defer cacheLayer.Close()

	engine, err := equation.NewEngine(cfg.Core.ProgramCacheSize)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create expression engine")
	}

	bucketer := service.NewBucketer(domainStore)
	scorer := service.NewScorer(domainStore, scoreStore, engine, cacheLayer, logger)
	aggregator := service.NewAggregator(domainStore, scoreStore, bucketer, cfg.Core.MaxConcurrency, cfg.Core.CohortMinSamples, logger)
	interpreter := service.NewInterpreter(cfg.Core.ChangeFallbackRatio, logger)

	svc := service.New(domainStore, scoreStore, scorer, bucketer, aggregator, interpreter, cacheLayer, service.Config{
		AggregationDefault:  domain.AggregationKind(cfg.Core.AggregationDefault),
		CohortMinSamples:    cfg.Core.CohortMinSamples,
		ChangeFallbackRatio: cfg.Core.ChangeFallbackRatio,
		MaxConcurrency:      cfg.Core.MaxConcurrency,
	}, logger)

	server := api.NewServer(svc, cfg.Server, cfg.Logging.Level, logger)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
