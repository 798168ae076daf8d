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
	"github.com/ordergrid/eventing/internal/consumers/timeline"
	"github.com/ordergrid/eventing/internal/transport"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/migrate"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
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
		"consumer":    cfg.Consumer.Name,
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

	dlqRepo := outbox.NewDeadLetterRepository(dbClient.DB())
	pipeline, eventTypes, err := buildPipeline(PipelineParams{
		Config:          cfg,
		Logger:          logg,
		DB:              dbClient,
		Ledger:          idempotency.NewRepository(dbClient.DB()),
		DLQ:             dlqRepo,
		Publisher:       tr.Publisher(),
		DeadLetterTopic: tr.DeadLetterTopic(),
		Registerer:      prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(ctx, "failed to build consumer pipeline", err)
		os.Exit(1)
	}

	topics, err := transport.SubscribedTopics(cfg.Consumer.Topics, outbox.NewRouter(cfg.Topics.Routes), eventTypes)
	if err != nil {
		logg.Error(ctx, "failed to resolve subscribed topics", err)
		os.Exit(1)
	}

	runner, err := tr.Consumer(topics, cfg.Consumer.Workers, pipeline.Handle)
	if err != nil {
		logg.Error(ctx, "failed to create broker consumer", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(routes.Params{
		Env:    cfg.App.Env,
		Logger: logg,
		Dependencies: map[string]controllers.Pinger{
			"db":     dbClient,
			"broker": tr,
		},
		DeadLetters: dlqRepo,
		Timeline: func(ctx context.Context, orderID string) ([]models.OrderTimelineEntry, error) {
			return timeline.Timeline(ctx, dbClient.DB(), orderID)
		},
	})

	service, err := NewService(logg, cfg.App.Port, runner, handler)
	if err != nil {
		logg.Error(ctx, "failed to create event consumer", err)
		os.Exit(1)
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"broker":  tr.Driver(),
		"topics":  topics,
		"workers": cfg.Consumer.Workers,
	}), "starting event consumer")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "event consumer stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "event consumer shutting down gracefully")
}
