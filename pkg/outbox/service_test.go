package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/enums"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox/payloads"
)

func TestEmitWrapsEventInEnvelope(t *testing.T) {
	repo, client := newTestRepository(t)
	svc := NewService(repo, logger.Nop())
	ctx := context.Background()
	occurred := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	var envelope *PayloadEnvelope
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		envelope, err = svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: string(enums.AggregateOrder),
			AggregateID:   "77",
			OccurredAt:    occurred,
			Data: payloads.OrderCreatedEvent{
				OrderID:    "77",
				CustomerID: "c-1",
				TotalCents: 4200,
				Currency:   "EUR",
				ItemCount:  2,
			},
		})
		return err
	}))
	require.NotNil(t, envelope)
	assert.NotEmpty(t, envelope.EventID)

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "77", pending[0].AggregateID)
	assert.Equal(t, enums.OutboxStatusPending, pending[0].Status)

	decoded, err := DecodeEnvelope(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.EventID, decoded.EventID)
	assert.Equal(t, EnvelopeVersion, decoded.Version)
	assert.True(t, decoded.OccurredAt.Equal(occurred))

	var data payloads.OrderCreatedEvent
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, int64(4200), data.TotalCents)
}

func TestEmitRejectsInvalidEvents(t *testing.T) {
	repo, client := newTestRepository(t)
	svc := NewService(repo, logger.Nop())
	ctx := context.Background()

	cases := map[string]DomainEvent{
		"missing aggregate": {EventType: enums.EventOrderCreated, AggregateType: "order", Data: map[string]any{"x": 1}},
		"invalid payload": {
			EventType: enums.EventPaymentConfirmed, AggregateType: "payment", AggregateID: "p-1",
			Data: payloads.PaymentConfirmedEvent{PaymentID: "p-1", OrderID: "77", Currency: "euro"},
		},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			err := client.WithTx(ctx, func(tx *gorm.DB) error {
				_, err := svc.Emit(ctx, tx, event)
				return err
			})
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}

	_, err := svc.Emit(ctx, nil, DomainEvent{})
	assert.ErrorIs(t, err, ErrTransactionRequired)
}

func TestEmitAcceptsUntaggedData(t *testing.T) {
	repo, client := newTestRepository(t)
	svc := NewService(repo, nil)
	ctx := context.Background()
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventUserRegistered,
			AggregateType: string(enums.AggregateUser),
			AggregateID:   "u-1",
			Data:          map[string]string{"user_id": "u-1"},
		})
		return err
	}))
}

func TestRouterTopics(t *testing.T) {
	router := NewRouter(map[string]string{
		enums.EventOrderCreated:  "orders.v1",
		enums.EventOrderCanceled: "orders.v1",
		" ":                      "ignored",
	})
	topic, err := router.Topic(enums.EventOrderCanceled)
	require.NoError(t, err)
	assert.Equal(t, "orders.v1", topic)
	assert.Equal(t, []string{"orders.v1"}, router.Topics())

	_, err = router.Topic("")
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("{"), []byte(`{"version":1}`), []byte(`{"version":9,"eventType":"x"}`)} {
		_, err := DecodeEnvelope(raw)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSerialization), "payload %q", raw)
	}
	env, err := DecodeEnvelope([]byte(`{"version":1,"eventType":"order.created","data":{"order_id":"1","extra":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "order.created", env.EventType)
}
