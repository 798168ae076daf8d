package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
)

const (
	defaultBatchSize      = 50
	defaultPublishTimeout = 15 * time.Second
)

type relayStore interface {
	ListPending(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

type RelayParams struct {
	Logger         *logger.Logger
	Store          relayStore
	Publisher      broker.Publisher
	Router         *Router
	Metrics        *metrics.RelayMetrics
	BatchSize      int
	PublishTimeout time.Duration
}

// Relay forwards PENDING outbox entries to the broker. It never re-publishes
// FAILED entries; those are left for the requeue policy or an operator.
type Relay struct {
	logg           *logger.Logger
	store          relayStore
	publisher      broker.Publisher
	router         *Router
	metrics        *metrics.RelayMetrics
	batchSize      int
	publishTimeout time.Duration
	now            func() time.Time
}

// RelayResult summarises one relay pass.
type RelayResult struct {
	Fetched   int
	Published int
	Failed    int
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	router := params.Router
	if router == nil {
		router = NewRouter(nil)
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	timeout := params.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Relay{
		logg:           params.Logger,
		store:          params.Store,
		publisher:      params.Publisher,
		router:         router,
		metrics:        params.Metrics,
		batchSize:      batch,
		publishTimeout: timeout,
		now:            time.Now,
	}, nil
}

// RelayOnce publishes one bounded batch, oldest first. A failed send marks the
// entry FAILED and the pass continues; a store error aborts the pass and leaves
// the remaining entries PENDING for the next run.
func (r *Relay) RelayOnce(ctx context.Context) (RelayResult, error) {
	var result RelayResult
	start := r.now()
	defer func() { r.metrics.ObserveBatch(r.now().Sub(start)) }()

	entries, err := r.store.ListPending(ctx, r.batchSize)
	if err != nil {
		return result, fmt.Errorf("list pending: %w", err)
	}
	result.Fetched = len(entries)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		fields := entryFields(entry)
		topic, err := r.publish(ctx, entry)
		if topic != "" {
			fields["topic"] = topic
		}
		logCtx := r.logg.WithFields(ctx, fields)

		if err != nil {
			logCtx = r.logg.WithField(logCtx, "error", err.Error())
			r.logg.Warn(logCtx, "outbox publish failed")
			if markErr := r.store.MarkFailed(ctx, entry.ID, err); markErr != nil {
				return result, fmt.Errorf("mark failed %s: %w", entry.ID, markErr)
			}
			result.Failed++
			r.metrics.IncFailed(entry.EventType)
			continue
		}

		if markErr := r.store.MarkPublished(ctx, entry.ID); markErr != nil {
			return result, fmt.Errorf("mark published %s: %w", entry.ID, markErr)
		}
		result.Published++
		r.metrics.IncPublished(entry.EventType)
		r.logg.Debug(logCtx, "outbox entry published")
	}

	if result.Fetched > 0 {
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"fetched":   result.Fetched,
			"published": result.Published,
			"failed":    result.Failed,
		})
		r.logg.Info(logCtx, "outbox relay pass complete")
	}
	return result, nil
}

func (r *Relay) publish(ctx context.Context, entry models.OutboxEntry) (string, error) {
	topic, err := r.router.Topic(entry.EventType)
	if err != nil {
		return "", err
	}
	envelope, err := DecodeEnvelope(entry.Payload)
	if err != nil {
		return topic, err
	}

	msg := broker.Message{
		Topic: topic,
		Key:   entry.AggregateID,
		Value: entry.Payload,
		Headers: map[string]string{
			broker.HeaderEventID:       envelope.EventID,
			broker.HeaderEventType:     entry.EventType,
			broker.HeaderAggregateType: entry.AggregateType,
			broker.HeaderAggregateID:   entry.AggregateID,
			broker.HeaderCreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return topic, r.publisher.Publish(publishCtx, msg)
}

func entryFields(entry models.OutboxEntry) map[string]any {
	fields := map[string]any{
		"outbox_id":      entry.ID.String(),
		"event_type":     entry.EventType,
		"aggregate_type": entry.AggregateType,
		"aggregate_id":   entry.AggregateID,
		"attempt_count":  entry.AttemptCount,
	}
	if entry.LastError != nil {
		fields["last_error"] = *entry.LastError
	}
	return fields
}
