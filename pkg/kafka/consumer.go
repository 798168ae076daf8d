package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/logger"
)

const (
	defaultCommitTimeout = 10 * time.Second
	defaultRejoinDelay   = time.Second
)

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerParams struct {
	Logger  *logger.Logger
	Handler broker.HandlerFunc
	// NewReader opens one group member. Each worker owns its own reader.
	NewReader     func() reader
	Workers       int
	CommitTimeout time.Duration
	RejoinDelay   time.Duration
}

// Consumer runs a fixed pool of group members. Each member handles one message
// at a time and commits its offset only after the handler returns nil.
type Consumer struct {
	logg          *logger.Logger
	handler       broker.HandlerFunc
	newReader     func() reader
	workers       int
	commitTimeout time.Duration
	rejoinDelay   time.Duration
}

// NewGroupConsumer builds a consumer reading topics as the configured group.
func NewGroupConsumer(cfg config.KafkaConfig, topics []string, workers int, handler broker.HandlerFunc, logg *logger.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	return NewConsumer(ConsumerParams{
		Logger:  logg,
		Handler: handler,
		Workers: workers,
		NewReader: func() reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     cfg.Brokers,
				GroupID:     cfg.GroupID,
				GroupTopics: topics,
				MinBytes:    cfg.MinBytes,
				MaxBytes:    cfg.MaxBytes,
				StartOffset: kafka.FirstOffset,
			})
		},
	})
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if params.NewReader == nil {
		return nil, errors.New("reader factory is required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = 1
	}
	commitTimeout := params.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = defaultCommitTimeout
	}
	rejoinDelay := params.RejoinDelay
	if rejoinDelay <= 0 {
		rejoinDelay = defaultRejoinDelay
	}
	return &Consumer{
		logg:          params.Logger,
		handler:       params.Handler,
		newReader:     params.NewReader,
		workers:       workers,
		commitTimeout: commitTimeout,
		rejoinDelay:   rejoinDelay,
	}, nil
}

// Run blocks until ctx is canceled or a worker hits an unrecoverable fetch
// error.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		workerCtx := c.logg.WithField(gctx, "worker", i)
		g.Go(func() error { return c.work(workerCtx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) work(ctx context.Context) error {
	r := c.newReader()
	defer func() { _ = r.Close() }()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		d := toDelivery(m)
		msgCtx := c.logg.WithFields(ctx, map[string]any{
			"topic":     d.Topic,
			"partition": d.Partition,
			"offset":    d.Offset,
		})
		if err := c.handler(msgCtx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The member rejoins so the group rewinds it to the last committed
			// offset and the message is fetched again.
			c.logg.Warn(msgCtx, "delivery not settled; rejoining group for redelivery")
			_ = r.Close()
			if !c.pause(ctx) {
				return nil
			}
			r = c.newReader()
			continue
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
		err = r.CommitMessages(commitCtx, m)
		cancel()
		if err != nil {
			c.logg.Error(msgCtx, "kafka commit failed; message will be redelivered", err)
		}
	}
}

func (c *Consumer) pause(ctx context.Context) bool {
	timer := time.NewTimer(c.rejoinDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func toDelivery(m kafka.Message) broker.Delivery {
	return broker.Delivery{
		Topic:      m.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Key:        string(m.Key),
		Value:      m.Value,
		Headers:    fromHeaders(m.Headers),
		ReceivedAt: m.Time,
	}
}
