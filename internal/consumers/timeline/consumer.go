// Package timeline projects order, payment and shipment facts into the
// order_timeline_entries read model.
package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/pkg/consumer"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
	"github.com/ordergrid/eventing/pkg/outbox/payloads"
)

const ConsumerName = "order-timeline"

type guard interface {
	ProcessIfNewWithPayload(ctx context.Context, eventType, eventKey string, payload []byte, effect idempotency.Effect) (bool, error)
}

// Projector turns each fact into one timeline row.
type Projector struct {
	logg *logger.Logger
	now  func() time.Time
}

func NewProjector(logg *logger.Logger) *Projector {
	return &Projector{logg: logg, now: time.Now}
}

// Register routes every event type the timeline cares about through g.
// Payment failures are keyed by event id because one payment can fail more
// than once; the rest happen once per aggregate.
func (p *Projector) Register(router *consumer.Router, g guard) {
	router.HandleIdempotent(enums.EventOrderCreated, g, consumer.AggregateKey, p.orderCreated)
	router.HandleIdempotent(enums.EventOrderCanceled, g, consumer.AggregateKey, p.orderCanceled)
	router.HandleIdempotent(enums.EventPaymentConfirmed, g, consumer.AggregateKey, p.paymentConfirmed)
	router.HandleIdempotent(enums.EventPaymentFailed, g, consumer.EventIDKey, p.paymentFailed)
	router.HandleIdempotent(enums.EventShipmentDelivered, g, consumer.AggregateKey, p.shipmentDelivered)
}

func (p *Projector) orderCreated(ctx context.Context, tx *gorm.DB, msg consumer.Message) error {
	var event payloads.OrderCreatedEvent
	if err := msg.Envelope.DecodeData(&event); err != nil {
		return err
	}
	summary := fmt.Sprintf("order placed: %d item(s), %s", event.ItemCount, money(event.TotalCents, event.Currency))
	if event.PromotionID != "" {
		summary += " with promotion " + event.PromotionID
	}
	return p.append(ctx, tx, msg.Envelope, event.OrderID, summary)
}

func (p *Projector) orderCanceled(ctx context.Context, tx *gorm.DB, msg consumer.Message) error {
	var event payloads.OrderCanceledEvent
	if err := msg.Envelope.DecodeData(&event); err != nil {
		return err
	}
	summary := "order canceled"
	if reason := strings.TrimSpace(event.Reason); reason != "" {
		summary += ": " + reason
	}
	return p.append(ctx, tx, msg.Envelope, event.OrderID, summary)
}

func (p *Projector) paymentConfirmed(ctx context.Context, tx *gorm.DB, msg consumer.Message) error {
	var event payloads.PaymentConfirmedEvent
	if err := msg.Envelope.DecodeData(&event); err != nil {
		return err
	}
	summary := fmt.Sprintf("payment %s confirmed: %s", event.PaymentID, money(event.AmountCents, event.Currency))
	return p.append(ctx, tx, msg.Envelope, event.OrderID, summary)
}

func (p *Projector) paymentFailed(ctx context.Context, tx *gorm.DB, msg consumer.Message) error {
	var event payloads.PaymentFailedEvent
	if err := msg.Envelope.DecodeData(&event); err != nil {
		return err
	}
	summary := fmt.Sprintf("payment %s failed", event.PaymentID)
	if event.Reason != "" {
		summary += ": " + event.Reason
	}
	return p.append(ctx, tx, msg.Envelope, event.OrderID, summary)
}

func (p *Projector) shipmentDelivered(ctx context.Context, tx *gorm.DB, msg consumer.Message) error {
	var event payloads.ShipmentDeliveredEvent
	if err := msg.Envelope.DecodeData(&event); err != nil {
		return err
	}
	summary := fmt.Sprintf("shipment %s delivered", event.ShipmentID)
	if event.Carrier != "" {
		summary += " by " + event.Carrier
	}
	return p.append(ctx, tx, msg.Envelope, event.OrderID, summary)
}

func (p *Projector) append(ctx context.Context, tx *gorm.DB, env outbox.PayloadEnvelope, orderID, summary string) error {
	if orderID == "" {
		return fmt.Errorf("%s: order id missing", env.EventType)
	}
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = p.now().UTC()
	}
	entry := &models.OrderTimelineEntry{
		OrderID:    orderID,
		EventID:    env.EventID,
		EventType:  env.EventType,
		Summary:    summary,
		OccurredAt: occurredAt,
		RecordedAt: p.now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append timeline entry: %w", err)
	}
	p.logg.Debug(p.logg.WithField(ctx, "order_id", orderID), "timeline entry appended")
	return nil
}

func money(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}

// Timeline returns an order's entries oldest first.
func Timeline(ctx context.Context, db *gorm.DB, orderID string) ([]models.OrderTimelineEntry, error) {
	var rows []models.OrderTimelineEntry
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("occurred_at ASC, recorded_at ASC").
		Find(&rows).Error
	return rows, err
}
