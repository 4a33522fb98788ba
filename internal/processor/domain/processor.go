// Package domain describes the external payment processor as seen by the reconciliation engine.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("processor_resource_not_found")
	ErrTransient     = errors.New("processor_transient_failure")
	ErrRejected      = errors.New("processor_request_rejected")
	ErrNotConfigured = errors.New("processor_not_configured")
)

// MetadataRecordID is the processor-side metadata key that carries the local record id.
const MetadataRecordID = "subscription_record_id"

type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Metadata           map[string]string
}

// RecordID returns the local record id stored in the subscription metadata, if any.
func (s *Subscription) RecordID() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[MetadataRecordID]
}

type Invoice struct {
	ID             string
	SubscriptionID string
	Status         string
	// LinePeriodStart is the period start of the first invoice line.
	LinePeriodStart *time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
}

type CheckoutSession struct {
	ID  string
	URL string
}

type Customer struct {
	ID    string
	Email string
}

type Price struct {
	ID         string
	UnitAmount int64
	Currency   string
	Interval   string
	Active     bool
}

type CreateCheckoutSessionInput struct {
	CustomerID string
	PriceID    string
	RecordID   string
	SuccessURL string
	CancelURL  string
}

type CreateCustomerInput struct {
	UserID string
	Email  string
}

//go:generate mockgen -source=processor.go -destination=../mocks/mock_processor.go -package=mocks

// Processor is the subset of the payment processor API the engine relies on.
// Implementations bound each call with a deadline and map failures to the sentinel errors above.
type Processor interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// CancelSubscription disables auto-renewal; the subscription ends at period end.
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	ExpireCheckoutSession(ctx context.Context, id string) error
	GetLatestInvoice(ctx context.Context, subscriptionID string) (*Invoice, error)
	CreateCheckoutSession(ctx context.Context, input CreateCheckoutSessionInput) (*CheckoutSession, error)
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (*Customer, error)
	GetPrice(ctx context.Context, id string) (*Price, error)
}
