package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ordergrid/eventing/internal/cron"
	"github.com/ordergrid/eventing/pkg/broker"
	"github.com/ordergrid/eventing/pkg/config"
	"github.com/ordergrid/eventing/pkg/db"
	"github.com/ordergrid/eventing/pkg/db/dbtest"
	"github.com/ordergrid/eventing/pkg/db/models"
	"github.com/ordergrid/eventing/pkg/enums"
	"github.com/ordergrid/eventing/pkg/lock"
	"github.com/ordergrid/eventing/pkg/logger"
	"github.com/ordergrid/eventing/pkg/outbox"
	"github.com/ordergrid/eventing/pkg/outbox/idempotency"
	"github.com/ordergrid/eventing/pkg/redis"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capturePublisher) messages() []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Message(nil), c.msgs...)
}

type grantLocker struct{}

func (grantLocker) TryAcquire(context.Context, string) (bool, error) { return true, nil }
func (grantLocker) Release(context.Context, string) error            { return nil }

func testConfig(policy string) *config.Config {
	return &config.Config{
		App:     config.AppConfig{Env: "test", Port: "0"},
		Service: config.ServiceConfig{Name: "order"},
		Outbox: config.OutboxConfig{
			BatchSize:       10,
			PollIntervalMS:  20,
			PublishTimeout:  time.Second,
			FailedPolicy:    policy,
			MaxAttempts:     5,
			RetentionWindow: 24 * time.Hour,
		},
		Retention: config.RetentionConfig{
			ProcessedEvents: 24 * time.Hour,
			DeadLetters:     48 * time.Hour,
			Interval:        time.Hour,
			BatchLimit:      100,
		},
		Topics: config.TopicsConfig{Routes: map[string]string{"order.created": "orders.v1"}},
	}
}

type harness struct {
	conn   *gorm.DB
	client *db.Client
	pub    *capturePublisher
	params ServiceParams
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	client := db.NewFromConn(conn)
	pub := &capturePublisher{}
	return &harness{
		conn:   conn,
		client: client,
		pub:    pub,
		params: ServiceParams{
			Config:     testConfig(policy),
			Logger:     logger.Nop(),
			DB:         client,
			Outbox:     outbox.NewRepository(conn),
			Ledger:     idempotency.NewRepository(conn),
			DLQ:        outbox.NewDeadLetterRepository(conn),
			Publisher:  pub,
			Locker:     grantLocker{},
			Registerer: prometheus.NewRegistry(),
		},
	}
}

func (h *harness) emit(t *testing.T, orderID string) {
	t.Helper()
	svc := outbox.NewService(h.params.Outbox, logger.Nop())
	require.NoError(t, h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := svc.Emit(context.Background(), tx, outbox.DomainEvent{
			EventType:     "order.created",
			AggregateType: string(enums.AggregateOrder),
			AggregateID:   orderID,
			Data:          map[string]any{"order_id": orderID},
		})
		return err
	}))
}

func jobNames(reg *cron.Registry) []string {
	var names []string
	for _, job := range reg.Jobs() {
		names = append(names, job.Name())
	}
	return names
}

func TestBuildRegistriesManualPolicy(t *testing.T) {
	h := newHarness(t, config.FailedPolicyManual)
	relay, maintenance, err := buildRegistries(h.params)
	require.NoError(t, err)

	assert.Equal(t, []string{cron.RelayJobName}, jobNames(relay))
	assert.Equal(t, []string{
		cron.OutboxRetentionJobName,
		cron.ProcessedEventRetentionJobName,
		cron.DeadLetterRetentionJobName,
	}, jobNames(maintenance))
}

func TestBuildRegistriesRequeuePolicy(t *testing.T) {
	h := newHarness(t, config.FailedPolicyRequeue)
	_, maintenance, err := buildRegistries(h.params)
	require.NoError(t, err)
	assert.Contains(t, jobNames(maintenance), cron.RequeueJobName)
}

func TestBuildRegistriesRequiresPublisher(t *testing.T) {
	h := newHarness(t, config.FailedPolicyManual)
	h.params.Publisher = nil
	_, _, err := buildRegistries(h.params)
	assert.Error(t, err)
}

func TestServiceRelaysPendingEntriesUntilCanceled(t *testing.T) {
	h := newHarness(t, config.FailedPolicyManual)
	h.emit(t, "ord-1")
	h.emit(t, "ord-2")

	svc, err := NewService(h.params)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		var published int64
		err := h.conn.Model(&models.OutboxEntry{}).
			Where("status = ?", enums.OutboxStatusPublished).
			Count(&published).Error
		return err == nil && published == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var keys []string
	for _, msg := range h.pub.messages() {
		assert.Equal(t, "orders.v1", msg.Topic)
		keys = append(keys, msg.Key)
	}
	assert.ElementsMatch(t, []string{"ord-1", "ord-2"}, keys)
}

func TestNewLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient, err := redis.New(context.Background(), config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := testConfig(config.FailedPolicyManual)
	cfg.Lock = config.LockConfig{Driver: config.LockDriverRedis, KeyPrefix: "og:lock", TTL: time.Minute}
	l, err := newLocker(cfg, nil, redisClient)
	require.NoError(t, err)
	assert.IsType(t, &lock.RedisLocker{}, l)

	_, err = newLocker(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Lock.Driver = config.LockDriverPostgres
	l, err = newLocker(cfg, db.NewFromConn(dbtest.Open(t)), nil)
	require.NoError(t, err)
	assert.IsType(t, &lock.AdvisoryLocker{}, l)

	cfg.Lock.Driver = "zookeeper"
	_, err = newLocker(cfg, nil, nil)
	assert.Error(t, err)
}
