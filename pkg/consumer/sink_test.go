package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/db/dbtest"
	"github.com/ordergrid/eventing/pkg/enums"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
)

func testDeadLetter(t *testing.T) DeadLetter {
	t.Helper()
	return DeadLetter{
		Consumer:    "order-timeline",
		Delivery:    testDelivery(t, "order.created", "77"),
		EventType:   "order.created",
		EventKey:    "77",
		Reason:      enums.DeadLetterReasonMaxAttempts,
		Attempts:    4,
		Diagnostics: pkgerrors.Dump(errors.New("inventory service unavailable")),
		FailedAt:    time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC),
	}
}

func TestStoreSinkPersistsDeadLetter(t *testing.T) {
	conn := dbtest.Open(t)
	repo := outbox.NewDeadLetterRepository(conn)
	sink := NewStoreSink(repo)
	dl := testDeadLetter(t)

	require.NoError(t, sink.DeadLetter(context.Background(), dl))

	rows, err := repo.List(context.Background(), "order-timeline", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "orders.v1", row.Topic)
	assert.Equal(t, 2, row.Partition)
	assert.Equal(t, int64(41), row.Offset)
	assert.Equal(t, enums.DeadLetterReasonMaxAttempts, row.Reason)
	assert.Equal(t, 4, row.Attempts)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "inventory service unavailable", *row.ErrorMessage)
	assert.Equal(t, dl.Diagnostics.Chain, row.ErrorChain)
	assert.Equal(t, dl.Delivery.Value, row.Payload)
}

func TestBrokerSinkPublishesStructuredRecord(t *testing.T) {
	var published []broker.Message
	pub := broker.PublisherFunc(func(_ context.Context, msg broker.Message) error {
		published = append(published, msg)
		return nil
	})
	sink, err := NewBrokerSink(pub, "ordergrid.dead-letter")
	require.NoError(t, err)
	dl := testDeadLetter(t)

	require.NoError(t, sink.DeadLetter(context.Background(), dl))
	require.Len(t, published, 1)
	msg := published[0]
	assert.Equal(t, "ordergrid.dead-letter", msg.Topic)
	assert.Equal(t, "77", msg.Key)
	assert.Equal(t, "max_attempts", msg.Headers[HeaderDeadLetterReason])
	assert.Equal(t, "4", msg.Headers["attempts"])

	var record deadLetterRecord
	require.NoError(t, json.Unmarshal(msg.Value, &record))
	assert.Equal(t, "orders.v1", record.Topic)
	assert.Equal(t, int64(41), record.Offset)
	assert.Equal(t, dl.Delivery.Value, record.Payload)
	assert.Equal(t, "inventory service unavailable", record.Diagnostics.TopMessage)

	_, err = NewBrokerSink(pub, "")
	require.Error(t, err)
}

func TestMultiSinkReportsEveryFailure(t *testing.T) {
	ok := &recordingSink{}
	first := &recordingSink{err: errors.New("db down")}
	second := &recordingSink{err: errors.New("broker down")}

	err := MultiSink{first, ok, nil, second}.DeadLetter(context.Background(), testDeadLetter(t))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Len(t, ok.letters, 1)

	require.NoError(t, MultiSink{ok}.DeadLetter(context.Background(), testDeadLetter(t)))
}

// flakyPublisher rejects the first failures publishes, then accepts.
type flakyPublisher struct {
	failures  int
	published []broker.Message
}

func (f *flakyPublisher) Publish(_ context.Context, msg broker.Message) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, msg)
	return nil
}

func TestDedupeKey(t *testing.T) {
	d := broker.Delivery{Topic: "orders.v1", Partition: 2, Offset: 41, Value: []byte("x")}
	assert.Equal(t, "event:evt-1", DedupeKey(d, "evt-1"))
	assert.Equal(t, "offset:orders.v1/2/41", DedupeKey(d, ""))

	d.Offset = broker.NoOffset
	hashed := DedupeKey(d, "")
	assert.Contains(t, hashed, "payload:orders.v1/")
	assert.Equal(t, hashed, DedupeKey(d, ""))
	d.Value = []byte("y")
	assert.NotEqual(t, hashed, DedupeKey(d, ""))
}

func TestStoreSinkIgnoresRepeatedDeadLetter(t *testing.T) {
	conn := dbtest.Open(t)
	repo := outbox.NewDeadLetterRepository(conn)
	sink := NewStoreSink(repo)
	dl := testDeadLetter(t)
	dl.DedupeKey = "event:evt-77"

	require.NoError(t, sink.DeadLetter(context.Background(), dl))
	dl.Attempts = 9
	require.NoError(t, sink.DeadLetter(context.Background(), dl))

	rows, err := repo.List(context.Background(), "order-timeline", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 4, rows[0].Attempts)
}

func newStoreAndForwardPipeline(t *testing.T, pub broker.Publisher, calls *int) (*Pipeline, *outbox.DeadLetterRepository) {
	t.Helper()
	repo := outbox.NewDeadLetterRepository(dbtest.Open(t))
	forward, err := NewBrokerSink(pub, "ordergrid.dead-letter")
	require.NoError(t, err)
	p, err := NewPipeline(PipelineParams{
		Consumer: "order-timeline",
		Handler: func(context.Context, Message) error {
			*calls++
			return errors.New("inventory service unavailable")
		},
		Policy:      DefaultRetryPolicy(),
		DeadLetters: MultiSink{NewStoreSink(repo), forward},
		Logger:      logger.Nop(),
		Sleep:       (&sleepRecorder{}).sleep,
		Recorded:    repo,
	})
	require.NoError(t, err)
	return p, repo
}

func TestPipelineRedeliveryAfterForwardFailureSkipsHandler(t *testing.T) {
	ctx := context.Background()
	pub := &flakyPublisher{failures: 1}
	calls := 0
	p, repo := newStoreAndForwardPipeline(t, pub, &calls)
	d := testDelivery(t, "order.created", "77")

	outcome, err := p.Process(ctx, d)
	require.Error(t, err)
	assert.Equal(t, OutcomeRedeliver, outcome)
	assert.Equal(t, 4, calls)
	assert.Empty(t, pub.published)

	outcome, err = p.Process(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, 4, calls, "handler budget is not spent twice")

	rows, err := repo.List(ctx, "order-timeline", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "event:evt-77", rows[0].DedupeKey)
	assert.Equal(t, 4, rows[0].Attempts)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "max_attempts", pub.published[0].Headers[HeaderDeadLetterReason])
	assert.Equal(t, "4", pub.published[0].Headers["attempts"])
}

func TestPipelineRedeliveryWhileForwardStillFailing(t *testing.T) {
	ctx := context.Background()
	pub := &flakyPublisher{failures: 3}
	calls := 0
	p, repo := newStoreAndForwardPipeline(t, pub, &calls)
	d := testDelivery(t, "order.created", "77")

	for i := 0; i < 3; i++ {
		outcome, err := p.Process(ctx, d)
		require.Error(t, err)
		assert.Equal(t, OutcomeRedeliver, outcome)
	}
	assert.Equal(t, 4, calls)

	rows, err := repo.List(ctx, "order-timeline", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Empty(t, pub.published)
}
