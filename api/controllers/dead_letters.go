package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ordergrid/eventing/api/responses"
	"github.com/ordergrid/eventing/api/validators"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/logger"
)

type DeadLetterReader interface {
	List(ctx context.Context, consumer string, limit int) ([]models.DeadLetter, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error)
}

type deadLetterView struct {
	ID           string    `json:"id"`
	Consumer     string    `json:"consumer"`
	Topic        string    `json:"topic"`
	Partition    int       `json:"partition"`
	Offset       int64     `json:"offset"`
	MessageKey   string    `json:"message_key,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	EventKey     string    `json:"event_key,omitempty"`
	Reason       string    `json:"reason"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	ErrorChain   []string  `json:"error_chain,omitempty"`
	Attempts     int       `json:"attempts"`
	Payload      string    `json:"payload,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}

func newDeadLetterView(d models.DeadLetter, withPayload bool) deadLetterView {
	v := deadLetterView{
		ID:           d.ID.String(),
		Consumer:     d.Consumer,
		Topic:        d.Topic,
		Partition:    d.Partition,
		Offset:       d.Offset,
		MessageKey:   d.MessageKey,
		EventType:    d.EventType,
		EventKey:     d.EventKey,
		Reason:       string(d.Reason),
		ErrorMessage: d.ErrorMessage,
		ErrorChain:   d.ErrorChain,
		Attempts:     d.Attempts,
		FailedAt:     d.FailedAt,
	}
	if withPayload {
		v.Payload = string(d.Payload)
	}
	return v
}

func ListDeadLetters(repo DeadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		consumer := strings.TrimSpace(r.URL.Query().Get("consumer"))
		rows, err := repo.List(r.Context(), consumer, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views := make([]deadLetterView, 0, len(rows))
		for _, row := range rows {
			views = append(views, newDeadLetterView(row, false))
		}
		responses.WriteSuccess(w, views)
	}
}

func GetDeadLetter(repo DeadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		row, err := repo.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newDeadLetterView(*row, true))
	}
}
