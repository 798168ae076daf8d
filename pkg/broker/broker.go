// Package broker holds the transport-neutral message types shared by the
// outbox relay, the consumer pipeline and the kafka/pubsub adapters.
package broker

import (
	"context"
	"time"
)

// Header keys attached to every relayed message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderCreatedAt     = "created_at"
	HeaderTopic         = "topic"
)

// NoOffset marks deliveries from transports without partition offsets.
const NoOffset int64 = -1

// Message is an outbound record. Key drives partition affinity.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher hands a message to the broker and returns once it is acknowledged.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is an inbound record as seen by a consumer.
type Delivery struct {
	Topic      string
	Partition  int
	Offset     int64
	Key        string
	Value      []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Header returns the named header or an empty string.
func (d Delivery) Header(name string) string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers[name]
}

// HandlerFunc processes one delivery. A nil return lets the transport commit
// or acknowledge the message; any error leaves it for redelivery.
type HandlerFunc func(ctx context.Context, d Delivery) error

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
