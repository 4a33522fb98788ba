package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is one received webhook delivery, unique per provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

const (
	EventTypeCheckoutSessionCompleted = "checkout.session.completed"
	EventTypeSubscriptionCreated      = "customer.subscription.created"
	EventTypeSubscriptionUpdated      = "customer.subscription.updated"
	EventTypeSubscriptionDeleted      = "customer.subscription.deleted"
	EventTypePaymentIntentFailed      = "payment_intent.payment_failed"
	EventTypeInvoicePaid              = "invoice.paid"
)

// WebhookEvent is the canonical processor event parsed by adapters.
// Fields not carried by the event's object kind stay zero.
type WebhookEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	OccurredAt      time.Time

	// ObjectID is the id of the event's data object (subscription, invoice, session, intent).
	ObjectID       string
	SubscriptionID string
	CustomerID     string
	// Status is the raw processor subscription status.
	Status             string
	CancelAtPeriodEnd  *bool
	CanceledAt         *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	ClientReferenceID  string
	Metadata           map[string]string

	RawPayload []byte `json:"-"`
}

// MetadataValue returns the trimmed metadata value for key.
func (e *WebhookEvent) MetadataValue(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}
