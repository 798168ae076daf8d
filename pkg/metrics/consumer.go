package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConsumerMetrics tracks the retry/dead-letter pipeline per consumer.
type ConsumerMetrics struct {
	attempts     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	acknowledged *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
}

func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		return &ConsumerMetrics{}
	}
	labels := []string{"consumer", "event_type"}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_handler_attempts_total",
		Help: "Handler invocations, including retries.",
	}, labels)
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_retries_total",
		Help: "Handler failures that were scheduled for another attempt.",
	}, labels)
	acknowledged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_acknowledged_total",
		Help: "Messages processed successfully.",
	}, labels)
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dead_lettered_total",
		Help: "Messages routed to the dead-letter destination.",
	}, append(labels, "reason"))
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_duplicates_total",
		Help: "Redeliveries skipped by the processed-event ledger.",
	}, labels)
	reg.MustRegister(attempts, retries, acknowledged, deadLettered, duplicates)
	return &ConsumerMetrics{
		attempts:     attempts,
		retries:      retries,
		acknowledged: acknowledged,
		deadLettered: deadLettered,
		duplicates:   duplicates,
	}
}

func (m *ConsumerMetrics) IncAttempt(consumer, eventType string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(consumer), normalizeLabel(eventType)).Inc()
}

func (m *ConsumerMetrics) IncRetry(consumer, eventType string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(consumer), normalizeLabel(eventType)).Inc()
}

func (m *ConsumerMetrics) IncAcknowledged(consumer, eventType string) {
	if m == nil || m.acknowledged == nil {
		return
	}
	m.acknowledged.WithLabelValues(normalizeLabel(consumer), normalizeLabel(eventType)).Inc()
}

func (m *ConsumerMetrics) IncDeadLettered(consumer, eventType, reason string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(normalizeLabel(consumer), normalizeLabel(eventType), normalizeLabel(reason)).Inc()
}

func (m *ConsumerMetrics) IncDuplicate(consumer, eventType string) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.WithLabelValues(normalizeLabel(consumer), normalizeLabel(eventType)).Inc()
}
