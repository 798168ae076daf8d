package consumer

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
)

// Message is a decoded delivery handed to business handlers.
type Message struct {
	Delivery broker.Delivery
	Envelope outbox.PayloadEnvelope
}

// Handler applies one message. Returning an error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

// KeyFunc derives the idempotency key for a message.
type KeyFunc func(msg Message) string

// AggregateKey keys facts by aggregate id, falling back to the broker key.
func AggregateKey(msg Message) string {
	if msg.Envelope.AggregateID != "" {
		return msg.Envelope.AggregateID
	}
	return msg.Delivery.Key
}

// EventIDKey keys facts by the envelope's event id, for aggregates that emit
// the same event type more than once.
func EventIDKey(msg Message) string {
	if msg.Envelope.EventID != "" {
		return msg.Envelope.EventID
	}
	return AggregateKey(msg)
}

// TxEffect is a business effect applied inside the guard's transaction.
type TxEffect func(ctx context.Context, tx *gorm.DB, msg Message) error

type guard interface {
	ProcessIfNewWithPayload(ctx context.Context, eventType, eventKey string, payload []byte, effect idempotency.Effect) (bool, error)
}

// Idempotent wraps effect so it runs at most once per event key. A duplicate
// is a successful no-op, so the transport can acknowledge it.
func Idempotent(g guard, key KeyFunc, effect TxEffect) Handler {
	if key == nil {
		key = AggregateKey
	}
	return func(ctx context.Context, msg Message) error {
		eventKey := key(msg)
		if eventKey == "" {
			return fmt.Errorf("no idempotency key for %s", msg.Envelope.EventType)
		}
		_, err := g.ProcessIfNewWithPayload(ctx, msg.Envelope.EventType, eventKey, msg.Delivery.Value, func(tx *gorm.DB) error {
			return effect(ctx, tx, msg)
		})
		return err
	}
}

// Router dispatches messages to handlers by event type.
type Router struct {
	logg     *logger.Logger
	handlers map[string]Handler
	keys     map[string]KeyFunc
}

func NewRouter(logg *logger.Logger) *Router {
	return &Router{
		logg:     logg,
		handlers: make(map[string]Handler),
		keys:     make(map[string]KeyFunc),
	}
}

func (r *Router) Handle(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// HandleIdempotent routes eventType through Idempotent and remembers key so
// logs and dead letters name the same event key the ledger does.
func (r *Router) HandleIdempotent(eventType string, g guard, key KeyFunc, effect TxEffect) {
	if key == nil {
		key = AggregateKey
	}
	r.keys[eventType] = key
	r.Handle(eventType, Idempotent(g, key, effect))
}

// Key returns the event key the routed handler uses for msg.
func (r *Router) Key(msg Message) string {
	if key, ok := r.keys[msg.Envelope.EventType]; ok {
		return key(msg)
	}
	return AggregateKey(msg)
}

// EventTypes lists the routed event types in sorted order.
func (r *Router) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs the handler registered for msg. Unrouted event types are
// acknowledged; topics routinely carry events a consumer does not care about.
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	h, ok := r.handlers[msg.Envelope.EventType]
	if !ok {
		if r.logg != nil {
			r.logg.Debug(ctx, "no handler for event type; acknowledging")
		}
		return nil
	}
	return h(ctx, msg)
}
