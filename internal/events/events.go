// Package events publishes subscription lifecycle events for downstream consumers.
package events

import (
	"context"
	"time"
)

const (
	TypeSubscriptionPastDue   = "subscription.past_due"
	TypeSubscriptionCancelled = "subscription.cancelled"
)

// Publisher delivers one serialized event. Delivery is at-least-once and unordered.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic, key string, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return f(ctx, topic, key, payload)
}

type SubscriptionPastDue struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type SubscriptionCancelled struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
}

// envelope reads the type tag shared by every payload.
type envelope struct {
	Type string `json:"type"`
}
