package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
)

// Effect applies a business mutation inside the guard's transaction.
type Effect func(tx *gorm.DB) error

type ledger interface {
	ExistsTx(tx *gorm.DB, consumer, eventType, eventKey string) (bool, error)
	InsertTx(tx *gorm.DB, row *models.ProcessedEvent) error
}

type GuardParams struct {
	Consumer   string
	DB         db.TxRunner
	Repository ledger
	Logger     *logger.Logger
	Metrics    *metrics.ConsumerMetrics
}

// Guard applies an effect at most once per (consumer, eventType, eventKey).
// The existence check, the effect and the ledger insert share one transaction,
// so a fact is either applied and recorded or neither.
type Guard struct {
	consumer string
	db       db.TxRunner
	repo     ledger
	logg     *logger.Logger
	metrics  *metrics.ConsumerMetrics
	now      func() time.Time
}

var errAlreadyRecorded = errors.New("processed event already recorded")

func NewGuard(params GuardParams) (*Guard, error) {
	if params.Consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	if params.DB == nil {
		return nil, errors.New("tx runner is required")
	}
	if params.Repository == nil {
		return nil, errors.New("processed event repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Guard{
		consumer: params.Consumer,
		db:       params.DB,
		repo:     params.Repository,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

func (g *Guard) Consumer() string { return g.consumer }

// ProcessIfNew runs effect unless the fact was already applied. It reports
// whether the effect ran and committed.
func (g *Guard) ProcessIfNew(ctx context.Context, eventType, eventKey string, effect Effect) (bool, error) {
	return g.ProcessIfNewWithPayload(ctx, eventType, eventKey, nil, effect)
}

// ProcessIfNewWithPayload is ProcessIfNew that also stores payload on the
// ledger row for diagnostics.
func (g *Guard) ProcessIfNewWithPayload(ctx context.Context, eventType, eventKey string, payload []byte, effect Effect) (bool, error) {
	if eventType == "" || eventKey == "" {
		return false, errors.New("event type and event key are required")
	}
	if effect == nil {
		return false, errors.New("effect is required")
	}

	logCtx := g.logg.WithFields(g.logg.WithEvent(ctx, eventType, eventKey), map[string]any{
		"consumer": g.consumer,
	})

	applied := false
	err := g.db.WithTx(ctx, func(tx *gorm.DB) error {
		exists, err := g.repo.ExistsTx(tx, g.consumer, eventType, eventKey)
		if err != nil {
			return fmt.Errorf("check processed event: %w", err)
		}
		if exists {
			return nil
		}
		if err := effect(tx); err != nil {
			return err
		}
		row := &models.ProcessedEvent{
			Consumer:    g.consumer,
			EventType:   eventType,
			EventKey:    eventKey,
			Payload:     payload,
			ProcessedAt: g.now().UTC(),
		}
		if err := g.repo.InsertTx(tx, row); err != nil {
			if db.IsUniqueViolation(err, models.ProcessedEventKeyIndex) {
				return errAlreadyRecorded
			}
			return fmt.Errorf("record processed event: %w", err)
		}
		applied = true
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		// A concurrent delivery committed first; our effect was rolled back.
		g.logg.Debug(logCtx, "duplicate delivery lost the ledger race")
		g.metrics.IncDuplicate(g.consumer, eventType)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !applied {
		g.logg.Debug(logCtx, "event already processed")
		g.metrics.IncDuplicate(g.consumer, eventType)
	}
	return applied, nil
}
