package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ordergrid/eventing/api"
	"github.com/ordergrid/eventing/internal/consumers/timeline"
	"github.com/ordergrid/eventing/internal/transport"
	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/consumer"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
)

const serviceName = "event-consumer"

type PipelineParams struct {
	Config          *config.Config
	Logger          *logger.Logger
	DB              db.TxRunner
	Ledger          *idempotency.Repository
	DLQ             *outbox.DeadLetterRepository
	Publisher       broker.Publisher
	DeadLetterTopic string
	Registerer      prometheus.Registerer
}

// buildPipeline wires the order-timeline projector behind the idempotency
// guard and the retry/dead-letter pipeline. It returns the handled event types
// so the caller can derive subscriptions.
func buildPipeline(params PipelineParams) (*consumer.Pipeline, []string, error) {
	if params.Config == nil || params.Logger == nil {
		return nil, nil, errors.New("config and logger are required")
	}
	if params.DLQ == nil {
		return nil, nil, errors.New("dead letter repository is required")
	}
	cfg := params.Config
	consumerMetrics := metrics.NewConsumerMetrics(params.Registerer)

	guard, err := idempotency.NewGuard(idempotency.GuardParams{
		Consumer:   cfg.Consumer.Name,
		DB:         params.DB,
		Repository: params.Ledger,
		Logger:     params.Logger,
		Metrics:    consumerMetrics,
	})
	if err != nil {
		return nil, nil, err
	}

	router := consumer.NewRouter(params.Logger)
	timeline.NewProjector(params.Logger).Register(router, guard)

	sinks := consumer.MultiSink{consumer.NewStoreSink(params.DLQ)}
	if params.Publisher != nil && params.DeadLetterTopic != "" {
		brokerSink, err := consumer.NewBrokerSink(params.Publisher, params.DeadLetterTopic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, brokerSink)
	}

	pipeline, err := consumer.NewPipeline(consumer.PipelineParams{
		Consumer:       cfg.Consumer.Name,
		Handler:        router.Dispatch,
		Policy:         consumer.PolicyFromConfig(cfg.Consumer),
		DeadLetters:    sinks,
		Logger:         params.Logger,
		Metrics:        consumerMetrics,
		HandlerTimeout: cfg.Consumer.HandlerTimeout,
		EventKey:       router.Key,
		Recorded:       params.DLQ,
	})
	if err != nil {
		return nil, nil, err
	}
	return pipeline, router.EventTypes(), nil
}

// Service runs the broker consumer and the ops server side by side.
type Service struct {
	logg    *logger.Logger
	addr    string
	runner  transport.Runner
	handler http.Handler
}

func NewService(logg *logger.Logger, port string, runner transport.Runner, handler http.Handler) (*Service, error) {
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if runner == nil {
		return nil, errors.New("consumer runner is required")
	}
	return &Service{logg: logg, addr: ":" + port, runner: runner, handler: handler}, nil
}

func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runner.Run(gctx) })
	if s.handler != nil {
		g.Go(func() error { return api.Serve(gctx, s.addr, s.handler, s.logg) })
	}
	return g.Wait()
}
