package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
)

// Header keys added to dead-letter records published to the broker.
const (
	HeaderDeadLetterReason   = "dead_letter_reason"
	HeaderDeadLetterConsumer = "dead_letter_consumer"
)

// DeadLetter is a message the pipeline gave up on, with its diagnostics.
type DeadLetter struct {
	Consumer    string
	Delivery    broker.Delivery
	EventType   string
	EventKey    string
	Reason      enums.DeadLetterReason
	Attempts    int
	Diagnostics pkgerrors.ErrorDump
	FailedAt    time.Time
	// DedupeKey names the failed message within its consumer; redeliveries
	// of the same message share it.
	DedupeKey   string
}

// DedupeKey identifies a delivery across redeliveries: the event id when the
// envelope decoded, else the broker position, else a payload hash.
func DedupeKey(d broker.Delivery, eventID string) string {
	switch {
	case eventID != "":
		return "event:" + eventID
	case d.Offset >= 0:
		return fmt.Sprintf("offset:%s/%d/%d", d.Topic, d.Partition, d.Offset)
	default:
		return fmt.Sprintf("payload:%s/%016x", d.Topic, xxhash.Sum64(d.Value))
	}
}

// deadLetterFromRow rebuilds a stored dead letter for d so it can be handed
// to the sinks again.
func deadLetterFromRow(d broker.Delivery, row *models.DeadLetter) DeadLetter {
	dump := pkgerrors.ErrorDump{Chain: row.ErrorChain}
	if row.ErrorMessage != nil {
		dump.TopMessage = *row.ErrorMessage
	}
	return DeadLetter{
		Consumer:    row.Consumer,
		Delivery:    d,
		EventType:   row.EventType,
		EventKey:    row.EventKey,
		Reason:      row.Reason,
		Attempts:    row.Attempts,
		Diagnostics: dump,
		FailedAt:    row.FailedAt,
		DedupeKey:   row.DedupeKey,
	}
}

// DeadLetterSink stores or forwards dead letters. It never re-runs the effect.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

type deadLetterInserter interface {
	Insert(ctx context.Context, entry *models.DeadLetter) error
}

// DeadLetterLookup finds a dead letter already recorded for a message.
// It returns nil, nil when none exists.
type DeadLetterLookup interface {
	FindByDedupeKey(ctx context.Context, consumer, dedupeKey string) (*models.DeadLetter, error)
}

// StoreSink persists dead letters in the dead_letters table. Inserts are
// idempotent per dedupe key.
type StoreSink struct {
	repo deadLetterInserter
}

func NewStoreSink(repo deadLetterInserter) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var message *string
	if dl.Diagnostics.TopMessage != "" {
		msg := dl.Diagnostics.TopMessage
		message = &msg
	}
	row := &models.DeadLetter{
		Consumer:     dl.Consumer,
		Topic:        dl.Delivery.Topic,
		Partition:    dl.Delivery.Partition,
		Offset:       dl.Delivery.Offset,
		MessageKey:   dl.Delivery.Key,
		EventType:    dl.EventType,
		EventKey:     dl.EventKey,
		Payload:      dl.Delivery.Value,
		Reason:       dl.Reason,
		ErrorMessage: message,
		ErrorChain:   dl.Diagnostics.Chain,
		Attempts:     dl.Attempts,
		FailedAt:     dl.FailedAt,
		DedupeKey:    dl.DedupeKey,
	}
	if err := s.repo.Insert(ctx, row); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// deadLetterRecord is the wire shape of a dead letter on the broker.
type deadLetterRecord struct {
	Consumer    string                 `json:"consumer"`
	Topic       string                 `json:"topic"`
	Partition   int                    `json:"partition"`
	Offset      int64                  `json:"offset"`
	Key         string                 `json:"key,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	EventType   string                 `json:"eventType,omitempty"`
	EventKey    string                 `json:"eventKey,omitempty"`
	Reason      enums.DeadLetterReason `json:"reason"`
	Attempts    int                    `json:"attempts"`
	Diagnostics pkgerrors.ErrorDump    `json:"diagnostics"`
	FailedAt    time.Time              `json:"failedAt"`
	Payload     []byte                 `json:"payload"`
}

// BrokerSink publishes dead letters to a dead-letter topic, keyed like the
// original message.
type BrokerSink struct {
	publisher broker.Publisher
	topic     string
}

func NewBrokerSink(publisher broker.Publisher, topic string) (*BrokerSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if topic == "" {
		return nil, fmt.Errorf("dead letter topic required")
	}
	return &BrokerSink{publisher: publisher, topic: topic}, nil
}

func (s *BrokerSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(deadLetterRecord{
		Consumer:    dl.Consumer,
		Topic:       dl.Delivery.Topic,
		Partition:   dl.Delivery.Partition,
		Offset:      dl.Delivery.Offset,
		Key:         dl.Delivery.Key,
		Headers:     dl.Delivery.Headers,
		EventType:   dl.EventType,
		EventKey:    dl.EventKey,
		Reason:      dl.Reason,
		Attempts:    dl.Attempts,
		Diagnostics: dl.Diagnostics,
		FailedAt:    dl.FailedAt,
		Payload:     dl.Delivery.Value,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	msg := broker.Message{
		Topic: s.topic,
		Key:   dl.Delivery.Key,
		Value: body,
		Headers: map[string]string{
			broker.HeaderEventType:   dl.EventType,
			HeaderDeadLetterReason:   string(dl.Reason),
			HeaderDeadLetterConsumer: dl.Consumer,
			"attempts":               strconv.Itoa(dl.Attempts),
			"dedupe_key":             dl.DedupeKey,
		},
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// MultiSink fans a dead letter out to every sink and reports all failures.
type MultiSink []DeadLetterSink

func (m MultiSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var errs error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		errs = multierr.Append(errs, sink.DeadLetter(ctx, dl))
	}
	return errs
}
