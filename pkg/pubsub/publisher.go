package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/ordergrid/eventing/pkg/broker"
)

// Publisher publishes broker messages with the message key as ordering key, so
// subscribers with ordering enabled see one aggregate's events in order.
type Publisher struct {
	client *Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

func NewPublisher(client *Client) (*Publisher, error) {
	if client == nil || client.client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &Publisher{client: client, publishers: make(map[string]*pubsub.Publisher)}, nil
}

func (p *Publisher) publisher(topic string) (*pubsub.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub, nil
	}
	pub := p.client.Publisher(topic)
	if pub == nil {
		return nil, fmt.Errorf("topic %q not configured", topic)
	}
	pub.EnableMessageOrdering = true
	p.publishers[topic] = pub
	return pub, nil
}

func (p *Publisher) Publish(ctx context.Context, msg broker.Message) error {
	pub, err := p.publisher(msg.Topic)
	if err != nil {
		return err
	}
	attrs := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		attrs[k] = v
	}
	attrs[broker.HeaderTopic] = msg.Topic

	res := pub.Publish(ctx, &pubsub.Message{
		Data:        msg.Value,
		Attributes:  attrs,
		OrderingKey: msg.Key,
	})
	if _, err := res.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		if msg.Key != "" {
			pub.ResumePublish(msg.Key)
		}
		return fmt.Errorf("pubsub publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Stop flushes and stops every cached topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}
