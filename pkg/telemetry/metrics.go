package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus observability primitives for the reconciliation pipeline.
type Metrics struct {
	webhookDeliveries  *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
	handlerDuration    *prometheus.HistogramVec
	handlerErrors      *prometheus.CounterVec
	outboxDispatch     *prometheus.CounterVec
	outboxDispatchTime *prometheus.HistogramVec
	outboxBacklog      prometheus.Gauge
	retryBacklog       prometheus.Gauge
}

// NewMetrics registers and returns Prometheus metrics for telemetry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	webhookDeliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subreconcile_webhook_deliveries_total",
		Help: "Inbound processor webhook deliveries by outcome.",
	}, []string{"provider", "status"})

	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subreconcile_webhook_duration_seconds",
		Help:    "Inbound webhook handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	handlerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subreconcile_event_handler_duration_seconds",
		Help:    "Reconcile handler durations by event type and result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type", "result"})

	handlerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subreconcile_event_handler_errors_total",
		Help: "Reconcile handler errors by event type.",
	}, []string{"event_type"})

	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subreconcile_outbox_dispatch_total",
		Help: "Outbox relay batches by status.",
	}, []string{"status"})

	outboxDispatchTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subreconcile_outbox_dispatch_duration_seconds",
		Help:    "Outbox relay batch durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "subreconcile_outbox_backlog",
		Help: "Number of unpublished domain events in the outbox.",
	})

	retryBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "subreconcile_retry_backlog",
		Help: "Number of jobs waiting in the retry queue.",
	})

	registerer.MustRegister(
		webhookDeliveries,
		webhookDuration,
		handlerDuration,
		handlerErrors,
		outboxDispatch,
		outboxDispatchTime,
		outboxBacklog,
		retryBacklog,
	)

	return &Metrics{
		webhookDeliveries:  webhookDeliveries,
		webhookDuration:    webhookDuration,
		handlerDuration:    handlerDuration,
		handlerErrors:      handlerErrors,
		outboxDispatch:     outboxDispatch,
		outboxDispatchTime: outboxDispatchTime,
		outboxBacklog:      outboxBacklog,
		retryBacklog:       retryBacklog,
	}
}

// RecordWebhookDelivery records webhook delivery metrics.
func (m *Metrics) RecordWebhookDelivery(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	providerLabel := sanitizeLabel(provider)
	m.webhookDeliveries.WithLabelValues(providerLabel, sanitizeLabel(status)).Inc()
	m.webhookDuration.WithLabelValues(providerLabel).Observe(duration.Seconds())
}

// RecordHandler observes handler invocations.
func (m *Metrics) RecordHandler(eventType, result string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	eventLabel := sanitizeLabel(eventType)
	m.handlerDuration.WithLabelValues(eventLabel, sanitizeLabel(result)).Observe(duration.Seconds())
	if failed {
		m.handlerErrors.WithLabelValues(eventLabel).Inc()
	}
}

// RecordOutboxBatch registers dispatch batch metrics.
func (m *Metrics) RecordOutboxBatch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Inc()
	m.outboxDispatchTime.WithLabelValues(status).Observe(duration.Seconds())
}

// SetOutboxBacklog updates the backlog gauge.
func (m *Metrics) SetOutboxBacklog(value float64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(value)
}

// SetRetryBacklog updates the retry queue depth gauge.
func (m *Metrics) SetRetryBacklog(value float64) {
	if m == nil {
		return
	}
	m.retryBacklog.Set(value)
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
