package timeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/consumer"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/db/dbtest"
	"github.com/ordergrid/eventing/pkg/enums"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
	"github.com/ordergrid/eventing/pkg/outbox/payloads"
)

type captureSink struct {
	letters []consumer.DeadLetter
}

func (c *captureSink) DeadLetter(_ context.Context, dl consumer.DeadLetter) error {
	c.letters = append(c.letters, dl)
	return nil
}

func newTimelinePipeline(t *testing.T) (*consumer.Pipeline, *gorm.DB, *captureSink) {
	t.Helper()
	conn := dbtest.Open(t)
	guard, err := idempotency.NewGuard(idempotency.GuardParams{
		Consumer:   ConsumerName,
		DB:         db.NewFromConn(conn),
		Repository: idempotency.NewRepository(conn),
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)

	router := consumer.NewRouter(logger.Nop())
	NewProjector(logger.Nop()).Register(router, guard)

	sink := &captureSink{}
	pipeline, err := consumer.NewPipeline(consumer.PipelineParams{
		Consumer:    ConsumerName,
		Handler:     router.Dispatch,
		Policy:      consumer.DefaultRetryPolicy(),
		DeadLetters: sink,
		Logger:      logger.Nop(),
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	return pipeline, conn, sink
}

func delivery(t *testing.T, eventID, eventType string, aggregate enums.AggregateType, aggregateID string, occurredAt time.Time, data any) broker.Delivery {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	value, err := json.Marshal(outbox.PayloadEnvelope{
		Version:       outbox.EnvelopeVersion,
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: string(aggregate),
		AggregateID:   aggregateID,
		OccurredAt:    occurredAt,
		Data:          raw,
	})
	require.NoError(t, err)
	return broker.Delivery{Topic: eventType, Key: aggregateID, Value: value}
}

func TestTimelineProjectsEachFactOnce(t *testing.T) {
	pipeline, conn, sink := newTimelinePipeline(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	created := delivery(t, "evt-1", enums.EventOrderCreated, enums.AggregateOrder, "77", base, payloads.OrderCreatedEvent{
		OrderID: "77", CustomerID: "c-1", TotalCents: 12550, Currency: "usd", ItemCount: 2,
	})
	confirmed := delivery(t, "evt-2", enums.EventPaymentConfirmed, enums.AggregatePayment, "pay-9", base.Add(time.Minute), payloads.PaymentConfirmedEvent{
		PaymentID: "pay-9", OrderID: "77", AmountCents: 12550, Currency: "USD",
	})
	delivered := delivery(t, "evt-3", enums.EventShipmentDelivered, enums.AggregateShipment, "shp-3", base.Add(time.Hour), payloads.ShipmentDeliveredEvent{
		ShipmentID: "shp-3", OrderID: "77", Carrier: "ups",
	})

	for _, d := range []broker.Delivery{created, created, confirmed, delivered, confirmed} {
		outcome, err := pipeline.Process(ctx, d)
		require.NoError(t, err)
		require.Equal(t, consumer.OutcomeAcknowledged, outcome)
	}

	rows, err := Timeline(ctx, conn, "77")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "order placed: 2 item(s), 125.50 USD", rows[0].Summary)
	assert.Equal(t, "payment pay-9 confirmed: 125.50 USD", rows[1].Summary)
	assert.Equal(t, "shipment shp-3 delivered by ups", rows[2].Summary)
	assert.Empty(t, sink.letters)
}

func TestTimelineKeysPaymentFailuresByEventID(t *testing.T) {
	pipeline, conn, _ := newTimelinePipeline(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for i, eventID := range []string{"evt-a", "evt-b", "evt-a"} {
		d := delivery(t, eventID, enums.EventPaymentFailed, enums.AggregatePayment, "pay-9", base.Add(time.Duration(i)*time.Minute), payloads.PaymentFailedEvent{
			PaymentID: "pay-9", OrderID: "77", Reason: "card declined",
		})
		_, err := pipeline.Process(ctx, d)
		require.NoError(t, err)
	}

	rows, err := Timeline(ctx, conn, "77")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "payment pay-9 failed: card declined", rows[0].Summary)
}

func TestTimelineDeadLettersUndecodableData(t *testing.T) {
	pipeline, conn, sink := newTimelinePipeline(t)
	ctx := context.Background()

	d := delivery(t, "evt-1", enums.EventOrderCanceled, enums.AggregateOrder, "77", time.Now().UTC(), "not an object")
	outcome, err := pipeline.Process(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeDeadLettered, outcome)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, enums.DeadLetterReasonNonRetryable, sink.letters[0].Reason)
	assert.Equal(t, 1, sink.letters[0].Attempts)

	rows, err := Timeline(ctx, conn, "77")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTimelineIgnoresUnroutedEvents(t *testing.T) {
	pipeline, _, sink := newTimelinePipeline(t)

	d := delivery(t, "evt-1", enums.EventUserRegistered, enums.AggregateUser, "u-1", time.Now().UTC(), payloads.UserRegisteredEvent{
		UserID: "u-1", Email: "a@example.com",
	})
	outcome, err := pipeline.Process(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeAcknowledged, outcome)
	assert.Empty(t, sink.letters)
}
