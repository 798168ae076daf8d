package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ordergrid/eventing/api/responses"
	"github.com/ordergrid/eventing/pkg/db/models"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
	"github.com/ordergrid/eventing/pkg/logger"
)

// TimelineReader loads an order's projected history.
type TimelineReader func(ctx context.Context, orderID string) ([]models.OrderTimelineEntry, error)

type timelineEntryView struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

func OrderTimeline(read TimelineReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
		if orderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id is required"))
			return
		}
		rows, err := read(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if len(rows) == 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "no timeline for order"))
			return
		}
		views := make([]timelineEntryView, 0, len(rows))
		for _, row := range rows {
			views = append(views, timelineEntryView{
				EventID:    row.EventID,
				EventType:  row.EventType,
				Summary:    row.Summary,
				OccurredAt: row.OccurredAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"order_id": orderID, "entries": views})
	}
}
