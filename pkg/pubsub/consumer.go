package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/logger"
)

// Consumer receives from one subscription. A message is acked only after the
// handler returns nil and nacked otherwise, so Pub/Sub redelivers it.
type Consumer struct {
	sub     *pubsub.Subscriber
	handler broker.HandlerFunc
	logg    *logger.Logger
}

func NewConsumer(client *Client, subscription string, workers int, handler broker.HandlerFunc, logg *logger.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	sub := client.Subscriber(subscription)
	if sub == nil {
		return nil, fmt.Errorf("subscription %q not configured", subscription)
	}
	if workers <= 0 {
		workers = 1
	}
	sub.ReceiveSettings.MaxOutstandingMessages = workers
	sub.ReceiveSettings.NumGoroutines = 1
	return &Consumer{sub: sub, handler: handler, logg: logg}, nil
}

// Run blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		d := toDelivery(m)
		msgCtx := c.logg.WithFields(ctx, map[string]any{
			"topic":      d.Topic,
			"message_id": m.ID,
		})
		if err := c.handler(msgCtx, d); err != nil {
			c.logg.Warn(msgCtx, "delivery not settled; nacking for redelivery")
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

func toDelivery(m *pubsub.Message) broker.Delivery {
	headers := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		headers[k] = v
	}
	return broker.Delivery{
		Topic:      headers[broker.HeaderTopic],
		Offset:     broker.NoOffset,
		Key:        m.OrderingKey,
		Value:      m.Data,
		Headers:    headers,
		ReceivedAt: m.PublishTime,
	}
}
