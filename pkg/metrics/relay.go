package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics tracks outbox relay throughput.
type RelayMetrics struct {
	published     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	batchDuration prometheus.Histogram
	requeued      prometheus.Counter
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox entries handed to the broker.",
	}, []string{"event_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Outbox entries marked FAILED by the relay.",
	}, []string{"event_type"})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_relay_batch_duration_seconds",
		Help:    "Duration of a single relay pass.",
		Buckets: prometheus.DefBuckets,
	})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_requeued_total",
		Help: "FAILED outbox entries moved back to PENDING.",
	})
	reg.MustRegister(published, failed, batchDuration, requeued)
	return &RelayMetrics{
		published:     published,
		failed:        failed,
		batchDuration: batchDuration,
		requeued:      requeued,
	}
}

func (m *RelayMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *RelayMetrics) IncFailed(eventType string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *RelayMetrics) ObserveBatch(duration time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

func (m *RelayMetrics) AddRequeued(n int64) {
	if m == nil || m.requeued == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}
