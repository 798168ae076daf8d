package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"gorm.io/gorm"
)

type fakeRelayer struct {
	calls int
	err   error
}

func (f *fakeRelayer) RelayOnce(context.Context) (outbox.RelayResult, error) {
	f.calls++
	return outbox.RelayResult{Fetched: 2, Published: 2}, f.err
}

func TestRelayJobRunsOnePass(t *testing.T) {
	relay := &fakeRelayer{}
	job, err := NewRelayJob(relay)
	if err != nil {
		t.Fatalf("NewRelayJob: %v", err)
	}
	if job.Name() != RelayJobName {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if relay.calls != 1 {
		t.Fatalf("expected one relay pass, got %d", relay.calls)
	}

	relay.err = errors.New("list pending: connection reset")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected relay error to surface")
	}
}

type fakeRequeuer struct {
	maxAttempts int
	limit       int
	moved       int64
	err         error
}

func (f *fakeRequeuer) RequeueFailed(_ context.Context, maxAttempts, limit int) (int64, error) {
	f.maxAttempts = maxAttempts
	f.limit = limit
	return f.moved, f.err
}

func TestRequeueJobUsesPolicyBounds(t *testing.T) {
	repo := &fakeRequeuer{moved: 3}
	job, err := NewRequeueJob(RequeueJobParams{
		Logger:      logger.Nop(),
		Repository:  repo,
		MaxAttempts: 7,
	})
	if err != nil {
		t.Fatalf("NewRequeueJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.maxAttempts != 7 || repo.limit != defaultRequeueBatch {
		t.Fatalf("unexpected bounds max=%d limit=%d", repo.maxAttempts, repo.limit)
	}

	repo.err = errors.New("boom")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakePurger struct {
	batches    []int64
	calls      int
	lastCutoff time.Time
	lastLimit  int
	err        error
}

func (f *fakePurger) purge(_ context.Context, _ *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	f.lastCutoff = cutoff
	f.lastLimit = limit
	if f.err != nil {
		return 0, f.err
	}
	var rows int64
	if f.calls < len(f.batches) {
		rows = f.batches[f.calls]
	}
	f.calls++
	return rows, nil
}

func newTestRetentionJob(t *testing.T, purger *fakePurger, window time.Duration, limit int) *retentionJob {
	t.Helper()
	jobIface, err := NewRetentionJob(RetentionJobParams{
		Name:   OutboxRetentionJobName,
		Logger: logger.Nop(),
		DB:     passthroughTx{},
		Purge:  purger.purge,
		Window: window,
		Limit:  limit,
	})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	job, ok := jobIface.(*retentionJob)
	if !ok {
		t.Fatalf("expected retentionJob, got %T", jobIface)
	}
	return job
}

func TestRetentionJobComputesCutoff(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	purger := &fakePurger{batches: []int64{7}}
	job := newTestRetentionJob(t, purger, 0, 0)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-defaultRetentionWindow); !purger.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, purger.lastCutoff)
	}
	if purger.lastLimit != defaultRetentionLimit {
		t.Fatalf("expected default limit, got %d", purger.lastLimit)
	}
	if purger.calls != 1 {
		t.Fatalf("expected a single batch, got %d", purger.calls)
	}
}

func TestRetentionJobDrainsFullBatches(t *testing.T) {
	purger := &fakePurger{batches: []int64{10, 10, 4}}
	job := newTestRetentionJob(t, purger, time.Hour, 10)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if purger.calls != 3 {
		t.Fatalf("expected 3 batches, got %d", purger.calls)
	}
}

func TestRetentionJobStopsAtBatchCap(t *testing.T) {
	batches := make([]int64, maxRetentionBatches+5)
	for i := range batches {
		batches[i] = 1
	}
	purger := &fakePurger{batches: batches}
	job := newTestRetentionJob(t, purger, time.Hour, 1)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if purger.calls != maxRetentionBatches {
		t.Fatalf("expected %d batches, got %d", maxRetentionBatches, purger.calls)
	}
}

func TestRetentionJobPropagatesError(t *testing.T) {
	purger := &fakePurger{err: errors.New("boom")}
	job := newTestRetentionJob(t, purger, time.Hour, 10)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
