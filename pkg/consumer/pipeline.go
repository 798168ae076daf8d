// Package consumer turns broker deliveries into at-most-once business effects:
// decode, bounded retry with backoff, and dead-letter routing once the retry
// budget is spent.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/enums"
	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
	"github.com/ordergrid/eventing/pkg/outbox"
)

// Outcome is the terminal state of one delivery.
type Outcome int

const (
	// OutcomeRedeliver means nothing was settled; the transport must not commit.
	OutcomeRedeliver Outcome = iota
	OutcomeAcknowledged
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "redeliver"
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type PipelineParams struct {
	Consumer       string
	Handler        Handler
	Policy         RetryPolicy
	DeadLetters    DeadLetterSink
	Logger         *logger.Logger
	Metrics        *metrics.ConsumerMetrics
	HandlerTimeout time.Duration
	Sleep          SleepFunc
	// EventKey names the event in logs and dead letters. Defaults to
	// AggregateKey; pass Router.Key when handlers key differently.
	EventKey       KeyFunc
	// Recorded, when set, lets a redelivered message whose dead letter is
	// already stored skip the handler.
	Recorded       DeadLetterLookup
}

// Pipeline runs a handler under a retry policy and routes exhausted or
// undecodable messages to a dead-letter sink.
type Pipeline struct {
	consumer       string
	handler        Handler
	policy         RetryPolicy
	deadLetters    DeadLetterSink
	logg           *logger.Logger
	metrics        *metrics.ConsumerMetrics
	handlerTimeout time.Duration
	sleep          SleepFunc
	eventKey       KeyFunc
	recorded       DeadLetterLookup
	now            func() time.Time
}

func NewPipeline(params PipelineParams) (*Pipeline, error) {
	if params.Consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	if params.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if params.DeadLetters == nil {
		return nil, errors.New("dead letter sink is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	sleep := params.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	eventKey := params.EventKey
	if eventKey == nil {
		eventKey = AggregateKey
	}
	return &Pipeline{
		consumer:       params.Consumer,
		handler:        params.Handler,
		policy:         params.Policy.normalized(),
		deadLetters:    params.DeadLetters,
		logg:           params.Logger,
		metrics:        params.Metrics,
		handlerTimeout: params.HandlerTimeout,
		sleep:          sleep,
		eventKey:       eventKey,
		recorded:       params.Recorded,
		now:            time.Now,
	}, nil
}

// Handle adapts the pipeline to a transport: a nil return means the delivery
// is settled and its offset may be committed.
func (p *Pipeline) Handle(ctx context.Context, d broker.Delivery) error {
	_, err := p.Process(ctx, d)
	return err
}

// Process settles one delivery. It returns an error only when the delivery
// must be redelivered: the context ended mid-retry or the dead-letter sink
// failed.
func (p *Pipeline) Process(ctx context.Context, d broker.Delivery) (Outcome, error) {
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"consumer":  p.consumer,
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
	})

	env, err := outbox.DecodeEnvelope(d.Value)
	if err != nil {
		eventType := d.Header(broker.HeaderEventType)
		return p.deadLetter(logCtx, d, DedupeKey(d, ""), eventType, d.Key, enums.DeadLetterReasonDeserialization, 0, err)
	}
	msg := Message{Delivery: d, Envelope: env}
	eventKey := p.eventKey(msg)
	dedupeKey := DedupeKey(d, env.EventID)
	logCtx = p.logg.WithEvent(logCtx, env.EventType, eventKey)

	if p.recorded != nil {
		row, err := p.recorded.FindByDedupeKey(ctx, p.consumer, dedupeKey)
		if err != nil {
			p.logg.Error(logCtx, "dead letter lookup failed; leaving message uncommitted", err)
			return OutcomeRedeliver, err
		}
		if row != nil {
			return p.redrive(logCtx, deadLetterFromRow(d, row))
		}
	}

	backoff := p.policy.schedule()
	var lastErr error
	attempt := 0
	for {
		attempt++
		p.metrics.IncAttempt(p.consumer, env.EventType)
		lastErr = p.invoke(logCtx, msg)
		if lastErr == nil {
			p.metrics.IncAcknowledged(p.consumer, env.EventType)
			return OutcomeAcknowledged, nil
		}
		if ctx.Err() != nil {
			return OutcomeRedeliver, ctx.Err()
		}
		if !pkgerrors.IsRetryable(lastErr) {
			return p.deadLetter(logCtx, d, dedupeKey, env.EventType, eventKey, enums.DeadLetterReasonNonRetryable, attempt, lastErr)
		}

		delay, stop := backoff.Next()
		if stop {
			break
		}
		p.metrics.IncRetry(p.consumer, env.EventType)
		retryCtx := p.logg.WithFields(logCtx, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    lastErr.Error(),
		})
		p.logg.Warn(retryCtx, "handler failed; retry scheduled")
		if err := p.sleep(ctx, delay); err != nil {
			return OutcomeRedeliver, err
		}
	}
	return p.deadLetter(logCtx, d, dedupeKey, env.EventType, eventKey, enums.DeadLetterReasonMaxAttempts, attempt, lastErr)
}

func (p *Pipeline) invoke(ctx context.Context, msg Message) (err error) {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, msg)
}

func (p *Pipeline) deadLetter(ctx context.Context, d broker.Delivery, dedupeKey, eventType, eventKey string, reason enums.DeadLetterReason, attempts int, cause error) (Outcome, error) {
	dl := DeadLetter{
		Consumer:    p.consumer,
		Delivery:    d,
		EventType:   eventType,
		EventKey:    eventKey,
		Reason:      reason,
		Attempts:    attempts,
		Diagnostics: pkgerrors.Dump(cause),
		FailedAt:    p.now().UTC(),
		DedupeKey:   dedupeKey,
	}
	if err := p.deadLetters.DeadLetter(ctx, dl); err != nil {
		p.logg.Error(ctx, "dead letter sink failed; leaving message uncommitted", err)
		return OutcomeRedeliver, err
	}
	p.metrics.IncDeadLettered(p.consumer, eventType, string(reason))
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"reason":   string(reason),
		"attempts": attempts,
	})
	p.logg.Error(logCtx, "message dead-lettered", cause)
	return OutcomeDeadLettered, nil
}

// redrive hands an already stored dead letter to the sinks again without
// running the handler. The store insert is a no-op; forwarding sinks that
// failed on the earlier delivery get another chance.
func (p *Pipeline) redrive(ctx context.Context, dl DeadLetter) (Outcome, error) {
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"reason":     string(dl.Reason),
		"dedupe_key": dl.DedupeKey,
	})
	if err := p.deadLetters.DeadLetter(logCtx, dl); err != nil {
		p.logg.Error(logCtx, "dead letter sink failed on redelivery; leaving message uncommitted", err)
		return OutcomeRedeliver, err
	}
	p.logg.Info(logCtx, "message already dead-lettered; handler skipped")
	return OutcomeDeadLettered, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
