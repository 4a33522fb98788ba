package config

import (
	"testing"
	"time"
)

func TestRetryPolicyBackoffDoublesUntilCap(t *testing.T) {
	policy := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}

	cases := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := policy.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestValidateReconcileConfig(t *testing.T) {
	if err := validateReconcileConfig(DefaultReconcileConfig()); err != nil {
		t.Fatalf("expected defaults to be valid, got %v", err)
	}

	invalid := DefaultReconcileConfig()
	invalid.Retry.MaxBackoff = invalid.Retry.BaseBackoff / 2
	if err := validateReconcileConfig(invalid); err == nil {
		t.Fatalf("expected invalid backoff window to be rejected")
	}

	invalid = DefaultReconcileConfig()
	invalid.Processor.Timeout = 0
	if err := validateReconcileConfig(invalid); err == nil {
		t.Fatalf("expected zero processor timeout to be rejected")
	}
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *ReconcileConfigHolder
	if got := holder.Get(); got.Retry.MaxAttempts != DefaultReconcileConfig().Retry.MaxAttempts {
		t.Fatalf("expected default max attempts, got %d", got.Retry.MaxAttempts)
	}
}

func TestLoadReadsStripeAndEventsSettings(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_test ")
	t.Setenv("STRIPE_WEBHOOK_TOLERANCE", "90s")
	t.Setenv("EVENTS_PUBLISHER", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092,")
	t.Setenv("RETRY_WORKER_ENABLED", "off")

	cfg := Load()
	if cfg.Stripe.WebhookSecret != "whsec_test" {
		t.Fatalf("expected trimmed webhook secret, got %q", cfg.Stripe.WebhookSecret)
	}
	if cfg.Stripe.WebhookTolerance != 90*time.Second {
		t.Fatalf("expected 90s tolerance, got %s", cfg.Stripe.WebhookTolerance)
	}
	if cfg.Events.Publisher != PublisherKafka {
		t.Fatalf("expected kafka publisher, got %q", cfg.Events.Publisher)
	}
	if len(cfg.Events.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.Events.KafkaBrokers)
	}
	if cfg.RetryWorkerEnabled {
		t.Fatalf("expected retry worker to be disabled")
	}
}
