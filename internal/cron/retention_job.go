package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/logger"
	"gorm.io/gorm"
)

const (
	OutboxRetentionJobName         = "outbox-retention"
	ProcessedEventRetentionJobName = "processed-event-retention"
	DeadLetterRetentionJobName     = "dead-letter-retention"

	defaultRetentionWindow = 30 * 24 * time.Hour
	defaultRetentionLimit  = 5000
	// maxRetentionBatches bounds a single run; leftovers go to the next tick.
	maxRetentionBatches = 20
)

// PurgeFunc deletes at most limit rows older than cutoff inside tx.
type PurgeFunc func(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error)

type RetentionJobParams struct {
	Name   string
	Logger *logger.Logger
	DB     db.TxRunner
	Purge  PurgeFunc
	Window time.Duration
	Limit  int
}

// NewRetentionJob builds a batched cleanup job. Each batch commits on its own
// so a long purge never holds one large transaction.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("job name required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Purge == nil {
		return nil, fmt.Errorf("purge func required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultRetentionWindow
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRetentionLimit
	}
	return &retentionJob{
		name:   params.Name,
		logg:   params.Logger,
		db:     params.DB,
		purge:  params.Purge,
		window: window,
		limit:  limit,
		now:    time.Now,
	}, nil
}

type retentionJob struct {
	name   string
	logg   *logger.Logger
	db     db.TxRunner
	purge  PurgeFunc
	window time.Duration
	limit  int
	now    func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.window)
	var total int64
	for batch := 0; batch < maxRetentionBatches; batch++ {
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := j.purge(ctx, tx, cutoff, j.limit)
			if err != nil {
				return err
			}
			deleted = rows
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
		total += deleted
		if deleted < int64(j.limit) {
			break
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"window":       j.window.String(),
		"rows_deleted": total,
	})
	j.logg.Info(logCtx, "retention cleanup complete")
	return nil
}
