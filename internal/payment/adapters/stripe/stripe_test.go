package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"customer.subscription.updated","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := &Adapter{webhookSecret: secret, tolerance: 5 * time.Minute}
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	reqHeader.Set("Stripe-Signature", header)
	if err := adapter.Verify(context.Background(), tampered, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected tampered body to fail verification, got %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, time.Now().Add(-time.Hour).Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to fail verification, got %v", err)
	}

	reqHeader.Del("Stripe-Signature")
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing header to fail verification, got %v", err)
	}
}

func TestFactoryRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if adapter.(*Adapter).tolerance <= 0 {
		t.Fatalf("expected default tolerance")
	}
}

func TestParseWebhookEvent(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	periodStart := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name  string
		event any
		check func(t *testing.T, event *paymentdomain.WebhookEvent)
	}{{
		name: "customer.subscription.updated",
		event: map[string]any{
			"id":      "evt_sub",
			"type":    "customer.subscription.updated",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":                   "sub_1",
					"customer":             "cus_1",
					"status":               "past_due",
					"cancel_at_period_end": true,
					"current_period_start": periodStart,
					"metadata":             map[string]any{"subscription_record_id": "42"},
				},
			},
		},
		check: func(t *testing.T, event *paymentdomain.WebhookEvent) {
			if event.SubscriptionID != "sub_1" || event.CustomerID != "cus_1" || event.Status != "past_due" {
				t.Fatalf("unexpected subscription fields %+v", event)
			}
			if event.CancelAtPeriodEnd == nil || !*event.CancelAtPeriodEnd {
				t.Fatalf("expected cancel_at_period_end to be carried")
			}
			if event.CurrentPeriodStart == nil || event.CurrentPeriodStart.Unix() != periodStart {
				t.Fatalf("unexpected period start %v", event.CurrentPeriodStart)
			}
			if event.CanceledAt != nil {
				t.Fatalf("expected no canceled_at")
			}
			if event.MetadataValue("subscription_record_id") != "42" {
				t.Fatalf("expected metadata record id")
			}
		},
	}, {
		name: "invoice.paid with expanded customer",
		event: map[string]any{
			"id":      "evt_inv",
			"type":    "invoice.paid",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":           "in_1",
					"customer":     map[string]any{"id": "cus_2"},
					"subscription": "sub_2",
					"period_start": created,
					"lines": map[string]any{
						"data": []any{map[string]any{"period": map[string]any{"start": periodStart, "end": periodStart + 3600}}},
					},
				},
			},
		},
		check: func(t *testing.T, event *paymentdomain.WebhookEvent) {
			if event.CustomerID != "cus_2" || event.SubscriptionID != "sub_2" {
				t.Fatalf("unexpected invoice fields %+v", event)
			}
			if event.CurrentPeriodStart == nil || event.CurrentPeriodStart.Unix() != periodStart {
				t.Fatalf("expected line period start, got %v", event.CurrentPeriodStart)
			}
		},
	}, {
		name: "payment_intent.payment_failed",
		event: map[string]any{
			"id":   "evt_pi",
			"type": "payment_intent.payment_failed",
			"data": map[string]any{
				"object": map[string]any{
					"id":       "pi_1",
					"customer": "cus_3",
					"metadata": map[string]any{"subscription_id": "sub_3"},
				},
			},
		},
		check: func(t *testing.T, event *paymentdomain.WebhookEvent) {
			if event.SubscriptionID != "sub_3" || event.CustomerID != "cus_3" {
				t.Fatalf("unexpected intent fields %+v", event)
			}
		},
	}, {
		name: "checkout.session.completed",
		event: map[string]any{
			"id":   "evt_cs",
			"type": "checkout.session.completed",
			"data": map[string]any{
				"object": map[string]any{
					"id":                  "cs_1",
					"customer":            "cus_4",
					"subscription":        "sub_4",
					"client_reference_id": "99",
				},
			},
		},
		check: func(t *testing.T, event *paymentdomain.WebhookEvent) {
			if event.ClientReferenceID != "99" || event.SubscriptionID != "sub_4" || event.ObjectID != "cs_1" {
				t.Fatalf("unexpected session fields %+v", event)
			}
		},
	}, {
		name: "unrelated type",
		event: map[string]any{
			"id":   "evt_other",
			"type": "charge.succeeded",
			"data": map[string]any{"object": map[string]any{"id": "ch_1"}},
		},
		check: func(t *testing.T, event *paymentdomain.WebhookEvent) {
			if event.Type != "charge.succeeded" || event.ObjectID != "ch_1" {
				t.Fatalf("unexpected event %+v", event)
			}
		},
	}}

	adapter := &Adapter{webhookSecret: "whsec_test"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Provider != "stripe" {
				t.Fatalf("expected provider stripe, got %s", event.Provider)
			}
			tt.check(t, event)
		})
	}
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	if _, err := adapter.Parse(context.Background(), []byte(`not json`)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := adapter.Parse(context.Background(), []byte(`{"type":"invoice.paid"}`)); !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
