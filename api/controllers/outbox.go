package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ordergrid/eventing/api/responses"
	"github.com/ordergrid/eventing/api/validators"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/logger"
)

// OutboxAdmin is the operator surface of the outbox store.
type OutboxAdmin interface {
	ListFailed(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*models.OutboxEntry, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	RequeueFailed(ctx context.Context, maxAttempts, limit int) (int64, error)
}

type outboxEntryView struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     *string         `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
}

func newOutboxEntryView(e models.OutboxEntry) outboxEntryView {
	return outboxEntryView{
		ID:            e.ID.String(),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Status:        string(e.Status),
		AttemptCount:  e.AttemptCount,
		LastError:     e.LastError,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
		PublishedAt:   e.PublishedAt,
		FailedAt:      e.FailedAt,
	}
}

func ListFailedOutbox(repo OutboxAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := repo.ListFailed(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views := make([]outboxEntryView, 0, len(rows))
		for _, row := range rows {
			views = append(views, newOutboxEntryView(row))
		}
		responses.WriteSuccess(w, views)
	}
}

// RequeueOutboxEntry returns one FAILED entry to PENDING.
func RequeueOutboxEntry(repo OutboxAdmin, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithField(ctx, "outbox_id", id.String())
		}
		if err := repo.Requeue(ctx, id); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		entry, err := repo.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(ctx, "outbox entry requeued by operator")
		}
		responses.WriteSuccess(w, newOutboxEntryView(*entry))
	}
}

type requeueFailedRequest struct {
	MaxAttempts int `json:"max_attempts" validate:"gte=1,lte=100"`
	Limit       int `json:"limit" validate:"gte=1,lte=1000"`
}

// RequeueFailedOutbox bulk-requeues FAILED entries still under the attempt budget.
func RequeueFailedOutbox(repo OutboxAdmin, defaultMaxAttempts int, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := requeueFailedRequest{MaxAttempts: defaultMaxAttempts, Limit: 100}
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := repo.RequeueFailed(r.Context(), req.MaxAttempts, req.Limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil && n > 0 {
			logg.Info(logg.WithField(r.Context(), "requeued", n), "failed outbox entries requeued by operator")
		}
		responses.WriteSuccess(w, map[string]int64{"requeued": n})
	}
}
