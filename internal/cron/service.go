package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ordergrid/eventing/pkg/lock"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/metrics"
)

const defaultInterval = time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger            *logger.Logger
	Registry          *Registry
	Locker            lock.Locker
	Metrics           *metrics.CronJobMetrics
	Interval          time.Duration
	// LockScope namespaces lock names, typically the owning service, so two
	// services sharing a lock backend do not exclude each other.
	LockScope         string
	// HeartbeatInterval is how often a held lock is extended while its job
	// runs, for lockers that expire. Defaults to a third of the lock TTL.
	HeartbeatInterval time.Duration
}

// Service executes registered cron jobs on a fixed cadence. Every replica
// ticks; each job runs only on the replica that wins its lock for that tick.
type Service struct {
	logg      *logger.Logger
	registry  *Registry
	locker    lock.Locker
	metrics   *metrics.CronJobMetrics
	interval  time.Duration
	lockScope string
	heartbeat time.Duration
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	heartbeat := params.HeartbeatInterval
	if ext, ok := params.Locker.(lock.Extender); ok && heartbeat <= 0 {
		heartbeat = ext.TTL() / 3
	}
	return &Service{
		logg:      params.Logger,
		registry:  registry,
		locker:    params.Locker,
		metrics:   params.Metrics,
		interval:  interval,
		lockScope: params.LockScope,
		heartbeat: heartbeat,
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCycle(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job)
	}
}

func (s *Service) lockName(job Job) string {
	if s.lockScope == "" {
		return job.Name()
	}
	return s.lockScope + ":" + job.Name()
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})
	name := s.lockName(job)

	acquired, err := s.locker.TryAcquire(jobCtx, name)
	if err != nil {
		s.logg.Error(jobCtx, "job lock acquire failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	if !acquired {
		s.logg.Debug(jobCtx, "job lock held elsewhere; skipping")
		s.metrics.IncSkipped(job.Name())
		return
	}
	defer func() {
		if relErr := s.locker.Release(jobCtx, name); relErr != nil {
			s.logg.Error(jobCtx, "failed to release job lock", relErr)
		}
	}()

	runCtx, cancel := context.WithCancel(jobCtx)
	stopHeartbeat := s.keepAlive(runCtx, cancel, name)
	defer stopHeartbeat()
	defer cancel()

	start := time.Now()
	err = job.Run(runCtx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	s.logg.Debug(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
}

// keepAlive extends the job's lock every heartbeat until the returned stop
// func is called. A lost lock cancels the job. It is a no-op for lockers that
// do not expire.
func (s *Service) keepAlive(ctx context.Context, cancel context.CancelFunc, name string) func() {
	ext, ok := s.locker.(lock.Extender)
	if !ok || s.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := ext.Extend(ctx, name)
			switch {
			case err != nil:
				s.logg.Error(ctx, "job lock extend failed", err)
			case !held:
				s.logg.Warn(ctx, "job lock lost; canceling run")
				cancel()
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
