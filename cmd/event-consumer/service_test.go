package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/internal/consumers/timeline"
	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/consumer"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/db/dbtest"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func newPipeline(t *testing.T) (*consumer.Pipeline, []string, *gorm.DB, *capturePublisher) {
	t.Helper()
	conn := dbtest.Open(t)
	pub := &capturePublisher{}
	cfg := &config.Config{Consumer: config.ConsumerConfig{
		Name:        timeline.ConsumerName,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    time.Millisecond,
	}}
	pipeline, eventTypes, err := buildPipeline(PipelineParams{
		Config:          cfg,
		Logger:          logger.Nop(),
		DB:              db.NewFromConn(conn),
		Ledger:          idempotency.NewRepository(conn),
		DLQ:             outbox.NewDeadLetterRepository(conn),
		Publisher:       pub,
		DeadLetterTopic: "ordergrid.dead-letter",
		Registerer:      prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return pipeline, eventTypes, conn, pub
}

func orderCreated(t *testing.T, orderID string, raw json.RawMessage) broker.Delivery {
	t.Helper()
	value, err := json.Marshal(outbox.PayloadEnvelope{
		Version:       outbox.EnvelopeVersion,
		EventID:       "evt-" + orderID,
		EventType:     "order.created",
		AggregateType: string(enums.AggregateOrder),
		AggregateID:   orderID,
		OccurredAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Data:          raw,
	})
	require.NoError(t, err)
	return broker.Delivery{Topic: "orders.v1", Key: orderID, Value: value, Offset: 7}
}

func TestBuildPipelineRoutesTimelineEvents(t *testing.T) {
	_, eventTypes, _, _ := newPipeline(t)
	assert.Contains(t, eventTypes, "order.created")
	assert.Contains(t, eventTypes, "shipment.delivered")
}

func TestPipelineProjectsOnceAcrossRedelivery(t *testing.T) {
	pipeline, _, conn, _ := newPipeline(t)
	ctx := context.Background()
	d := orderCreated(t, "ord-1", json.RawMessage(`{"order_id":"ord-1","customer_id":"cus-1","item_count":1,"total_cents":1000,"currency":"usd"}`))

	require.NoError(t, pipeline.Handle(ctx, d))
	require.NoError(t, pipeline.Handle(ctx, d))

	rows, err := timeline.Timeline(ctx, conn, "ord-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPipelineDeadLettersToStoreAndBroker(t *testing.T) {
	pipeline, _, conn, pub := newPipeline(t)
	ctx := context.Background()

	d := broker.Delivery{Topic: "orders.v1", Key: "ord-2", Value: []byte(`not json`), Offset: 9}
	outcome, err := pipeline.Process(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, consumer.OutcomeDeadLettered, outcome)

	var stored []models.DeadLetter
	require.NoError(t, conn.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, enums.DeadLetterReasonDeserialization, stored[0].Reason)
	assert.EqualValues(t, 9, stored[0].Offset)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "ordergrid.dead-letter", pub.msgs[0].Topic)
	assert.Equal(t, string(enums.DeadLetterReasonDeserialization), pub.msgs[0].Headers[consumer.HeaderDeadLetterReason])
}

type stubRunner struct{ err error }

func (s stubRunner) Run(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func TestServiceRunPropagatesRunnerFailure(t *testing.T) {
	boom := errors.New("fetch: broker gone")
	svc, err := NewService(logger.Nop(), "0", stubRunner{err: boom}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Run(context.Background()), boom)

	svc, err = NewService(logger.Nop(), "0", stubRunner{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, svc.Run(ctx))

	_, err = NewService(logger.Nop(), "0", nil, nil)
	assert.Error(t, err)
}
