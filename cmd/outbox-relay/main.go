package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordergrid/eventing/api/controllers"
	"github.com/ordergrid/eventing/api/routes"
	"github.com/ordergrid/eventing/internal/transport"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/migrate"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
	"github.com/ordergrid/eventing/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"service":     cfg.Service.Name,
		"serviceKind": cfg.Service.Kind,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	deps := map[string]controllers.Pinger{"db": dbClient}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		deps["redis"] = redisClient
	}

	locker, err := newLocker(cfg, dbClient, redisClient)
	if err != nil {
		logg.Error(ctx, "failed to create job locker", err)
		os.Exit(1)
	}

	tr, err := transport.Open(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker", err)
		}
	}()
	deps["broker"] = tr

	outboxRepo := outbox.NewRepository(dbClient.DB())
	dlqRepo := outbox.NewDeadLetterRepository(dbClient.DB())

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Outbox:     outboxRepo,
		Ledger:     idempotency.NewRepository(dbClient.DB()),
		DLQ:        dlqRepo,
		Publisher:  tr.Publisher(),
		Locker:     locker,
		Registerer: prometheus.DefaultRegisterer,
		Handler: routes.NewRouter(routes.Params{
			Env:               cfg.App.Env,
			Logger:            logg,
			Dependencies:      deps,
			Outbox:            outboxRepo,
			OutboxMaxAttempts: cfg.Outbox.MaxAttempts,
			DeadLetters:       dlqRepo,
		}),
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox relay", err)
		os.Exit(1)
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"broker":        tr.Driver(),
		"lock_driver":   cfg.Lock.Driver,
		"failed_policy": cfg.Outbox.FailedPolicy,
	}), "starting outbox relay")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox relay stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox relay shutting down gracefully")
}
