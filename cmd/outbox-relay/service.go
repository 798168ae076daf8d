package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ordergrid/eventing/api"
	"github.com/ordergrid/eventing/internal/cron"
	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/lock"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
	"github.com/ordergrid/eventing/pkg/redis"
)

const serviceName = "outbox-relay"

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         db.TxRunner
	Outbox     *outbox.Repository
	Ledger     *idempotency.Repository
	DLQ        *outbox.DeadLetterRepository
	Publisher  broker.Publisher
	Locker     lock.Locker
	Registerer prometheus.Registerer
	Handler    http.Handler
}

// Service runs the relay scheduler, the maintenance scheduler and the ops
// server until one of them fails or the context ends.
type Service struct {
	logg        *logger.Logger
	addr        string
	relay       *cron.Service
	maintenance *cron.Service
	handler     http.Handler
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Locker == nil {
		return nil, errors.New("locker is required")
	}
	relayReg, maintenanceReg, err := buildRegistries(params)
	if err != nil {
		return nil, err
	}

	cfg := params.Config
	cronMetrics := metrics.NewCronJobMetrics(params.Registerer)
	relay, err := cron.NewService(cron.ServiceParams{
		Logger:    params.Logger,
		Registry:  relayReg,
		Locker:    params.Locker,
		Metrics:   cronMetrics,
		Interval:  cfg.Outbox.PollInterval(),
		LockScope: cfg.Service.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("relay scheduler: %w", err)
	}
	maintenance, err := cron.NewService(cron.ServiceParams{
		Logger:    params.Logger,
		Registry:  maintenanceReg,
		Locker:    params.Locker,
		Metrics:   cronMetrics,
		Interval:  cfg.Retention.Interval,
		LockScope: cfg.Service.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance scheduler: %w", err)
	}

	return &Service{
		logg:        params.Logger,
		addr:        ":" + cfg.App.Port,
		relay:       relay,
		maintenance: maintenance,
		handler:     params.Handler,
	}, nil
}

// buildRegistries splits jobs by cadence: the relay ticks at the poll
// interval, housekeeping at the retention interval.
func buildRegistries(params ServiceParams) (*cron.Registry, *cron.Registry, error) {
	cfg := params.Config
	if params.DB == nil || params.Outbox == nil || params.Ledger == nil || params.DLQ == nil {
		return nil, nil, errors.New("database and repositories are required")
	}
	if params.Publisher == nil {
		return nil, nil, errors.New("publisher is required")
	}

	relayMetrics := metrics.NewRelayMetrics(params.Registerer)
	relay, err := outbox.NewRelay(outbox.RelayParams{
		Logger:         params.Logger,
		Store:          params.Outbox,
		Publisher:      params.Publisher,
		Router:         outbox.NewRouter(cfg.Topics.Routes),
		Metrics:        relayMetrics,
		BatchSize:      cfg.Outbox.BatchSize,
		PublishTimeout: cfg.Outbox.PublishTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	relayJob, err := cron.NewRelayJob(relay)
	if err != nil {
		return nil, nil, err
	}
	relayReg, err := cron.NewRegistry(relayJob)
	if err != nil {
		return nil, nil, err
	}

	retention := []cron.RetentionJobParams{
		{
			Name:   cron.OutboxRetentionJobName,
			Purge:  params.Outbox.DeletePublishedBefore,
			Window: cfg.Outbox.RetentionWindow,
		},
		{
			Name:   cron.ProcessedEventRetentionJobName,
			Purge:  params.Ledger.DeleteProcessedBefore,
			Window: cfg.Retention.ProcessedEvents,
		},
		{
			Name:   cron.DeadLetterRetentionJobName,
			Purge:  params.DLQ.DeleteBefore,
			Window: cfg.Retention.DeadLetters,
		},
	}
	maintenanceReg, err := cron.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range retention {
		p.Logger = params.Logger
		p.DB = params.DB
		p.Limit = cfg.Retention.BatchLimit
		job, err := cron.NewRetentionJob(p)
		if err != nil {
			return nil, nil, err
		}
		if err := maintenanceReg.Register(job); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Outbox.FailedPolicy == config.FailedPolicyRequeue {
		requeue, err := cron.NewRequeueJob(cron.RequeueJobParams{
			Logger:      params.Logger,
			Repository:  params.Outbox,
			Metrics:     relayMetrics,
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BatchSize:   cfg.Outbox.BatchSize,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := maintenanceReg.Register(requeue); err != nil {
			return nil, nil, err
		}
	}
	return relayReg, maintenanceReg, nil
}

func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(s.relay.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.maintenance.Run(gctx)) })
	if s.handler != nil {
		g.Go(func() error { return api.Serve(gctx, s.addr, s.handler, s.logg) })
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newLocker picks the lock backend: redis SET NX with an owner token, or
// postgres session advisory locks.
func newLocker(cfg *config.Config, dbClient *db.Client, redisClient *redis.Client) (lock.Locker, error) {
	switch cfg.Lock.Driver {
	case config.LockDriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis client is required for redis locks")
		}
		return lock.NewRedisLocker(redisClient, cfg.Lock.KeyPrefix, cfg.Lock.TTL)
	case config.LockDriverPostgres:
		sqlDB, err := dbClient.SQL()
		if err != nil {
			return nil, err
		}
		return lock.NewAdvisoryLocker(sqlDB)
	}
	return nil, fmt.Errorf("unsupported lock driver %q", cfg.Lock.Driver)
}
