package cron

import (
	"context"
	"fmt"

	"github.com/ordergrid/eventing/pkg/outbox"
)

const RelayJobName = "outbox-relay"

type relayer interface {
	RelayOnce(ctx context.Context) (outbox.RelayResult, error)
}

type relayJob struct {
	relay relayer
}

// NewRelayJob runs one relay pass per tick.
func NewRelayJob(relay relayer) (Job, error) {
	if relay == nil {
		return nil, fmt.Errorf("relay required")
	}
	return &relayJob{relay: relay}, nil
}

func (j *relayJob) Name() string { return RelayJobName }

func (j *relayJob) Run(ctx context.Context) error {
	if _, err := j.relay.RelayOnce(ctx); err != nil {
		return fmt.Errorf("relay pass: %w", err)
	}
	return nil
}
