package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordWebhookDelivery(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordWebhookDelivery("stripe", "processed", 10*time.Millisecond)
	m.RecordWebhookDelivery("stripe", "processed", 10*time.Millisecond)
	m.RecordWebhookDelivery("", "invalid_signature", time.Millisecond)

	if got := testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("stripe", "processed")); got != 2 {
		t.Fatalf("expected 2 processed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("unknown", "invalid_signature")); got != 1 {
		t.Fatalf("expected unknown provider label, got %v", got)
	}
}

func TestRecordHandlerCountsFailures(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordHandler("invoice.paid", "applied", time.Millisecond, false)
	m.RecordHandler("invoice.paid", "error", time.Millisecond, true)

	if got := testutil.ToFloat64(m.handlerErrors.WithLabelValues("invoice.paid")); got != 1 {
		t.Fatalf("expected 1 handler error, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordWebhookDelivery("stripe", "processed", time.Second)
	m.RecordHandler("x", "y", time.Second, true)
	m.RecordOutboxBatch("success", time.Second)
	m.SetOutboxBacklog(1)
	m.SetRetryBacklog(1)
}

func TestOutboxGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetOutboxBacklog(7)
	m.SetRetryBacklog(3)
	if got := testutil.ToFloat64(m.outboxBacklog); got != 7 {
		t.Fatalf("expected outbox backlog 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.retryBacklog); got != 3 {
		t.Fatalf("expected retry backlog 3, got %v", got)
	}
}
