package cron

import (
	"context"
	"fmt"

	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
)

const (
	RequeueJobName = "outbox-requeue"

	defaultRequeueMaxAttempts = 5
	defaultRequeueBatch       = 100
)

type failedRequeuer interface {
	RequeueFailed(ctx context.Context, maxAttempts, limit int) (int64, error)
}

type RequeueJobParams struct {
	Logger      *logger.Logger
	Repository  failedRequeuer
	Metrics     *metrics.RelayMetrics
	MaxAttempts int
	BatchSize   int
}

// NewRequeueJob moves FAILED outbox entries back to PENDING while they have
// attempts left. It is only registered under the requeue failed-entry policy.
func NewRequeueJob(params RequeueJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultRequeueMaxAttempts
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRequeueBatch
	}
	return &requeueJob{
		logg:        params.Logger,
		repo:        params.Repository,
		metrics:     params.Metrics,
		maxAttempts: maxAttempts,
		batch:       batch,
	}, nil
}

type requeueJob struct {
	logg        *logger.Logger
	repo        failedRequeuer
	metrics     *metrics.RelayMetrics
	maxAttempts int
	batch       int
}

func (j *requeueJob) Name() string { return RequeueJobName }

func (j *requeueJob) Run(ctx context.Context) error {
	moved, err := j.repo.RequeueFailed(ctx, j.maxAttempts, j.batch)
	if err != nil {
		return fmt.Errorf("requeue failed entries: %w", err)
	}
	if moved == 0 {
		return nil
	}
	j.metrics.AddRequeued(moved)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"requeued":     moved,
		"max_attempts": j.maxAttempts,
	})
	j.logg.Info(logCtx, "failed outbox entries requeued")
	return nil
}
