// Package transport selects the configured broker driver and hands out its
// publisher and consumer behind the broker contracts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/kafka"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/pubsub"
)

// Runner consumes until ctx is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// Transport owns the broker connections of one process.
type Transport struct {
	driver string
	cfg    *config.Config
	logg   *logger.Logger

	kafkaPublisher  *kafka.Publisher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
}

// Open connects to the broker named by cfg.Broker.Driver.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	t := &Transport{driver: cfg.Broker.Driver, cfg: cfg, logg: logg}
	switch t.driver {
	case config.BrokerDriverKafka:
		pub, err := kafka.NewPublisher(cfg.Kafka, logg)
		if err != nil {
			return nil, err
		}
		t.kafkaPublisher = pub
	case config.BrokerDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, err
		}
		pub, err := pubsub.NewPublisher(client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		t.pubsubClient = client
		t.pubsubPublisher = pub
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", t.driver)
	}
	logg.Info(logg.WithField(ctx, "broker", t.driver), "broker transport ready")
	return t, nil
}

func (t *Transport) Driver() string { return t.driver }

func (t *Transport) Publisher() broker.Publisher {
	if t.kafkaPublisher != nil {
		return t.kafkaPublisher
	}
	return t.pubsubPublisher
}

// DeadLetterTopic is where the consumer pipeline forwards dead letters.
func (t *Transport) DeadLetterTopic() string {
	if t.driver == config.BrokerDriverPubSub {
		return t.cfg.PubSub.DeadLetterTopic
	}
	return t.cfg.Kafka.DeadLetterTopic
}

// Consumer builds the driver's consumer. Kafka joins the configured group on
// topics; Pub/Sub receives from the configured subscription and ignores them.
func (t *Transport) Consumer(topics []string, workers int, handler broker.HandlerFunc) (Runner, error) {
	switch t.driver {
	case config.BrokerDriverKafka:
		return kafka.NewGroupConsumer(t.cfg.Kafka, topics, workers, handler, t.logg)
	case config.BrokerDriverPubSub:
		if t.cfg.PubSub.Subscription == "" {
			return nil, fmt.Errorf("%s is required for the pubsub consumer", config.EnvPubSubSub)
		}
		return pubsub.NewConsumer(t.pubsubClient, t.cfg.PubSub.Subscription, workers, handler, t.logg)
	}
	return nil, fmt.Errorf("unsupported broker driver %q", t.driver)
}

func (t *Transport) Ping(ctx context.Context) error {
	if t.kafkaPublisher != nil {
		return t.kafkaPublisher.Ping(ctx)
	}
	return t.pubsubClient.Ping(ctx)
}

// Close flushes publishers before dropping connections.
func (t *Transport) Close() error {
	if t.kafkaPublisher != nil {
		return t.kafkaPublisher.Close()
	}
	if t.pubsubPublisher != nil {
		t.pubsubPublisher.Stop()
	}
	if t.pubsubClient != nil {
		return t.pubsubClient.Close()
	}
	return nil
}

// SubscribedTopics returns explicit topics when configured, otherwise the
// distinct topics the router maps the handled event types onto.
func SubscribedTopics(explicit []string, router *outbox.Router, eventTypes []string) ([]string, error) {
	seen := map[string]struct{}{}
	var topics []string
	add := func(topic string) {
		if topic == "" {
			return
		}
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	for _, topic := range explicit {
		add(strings.TrimSpace(topic))
	}
	if len(topics) > 0 {
		return topics, nil
	}
	for _, eventType := range eventTypes {
		topic, err := router.Topic(eventType)
		if err != nil {
			return nil, err
		}
		add(topic)
	}
	if len(topics) == 0 {
		return nil, errors.New("no topics to subscribe to")
	}
	return topics, nil
}
