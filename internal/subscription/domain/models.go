// Package domain contains the subscription record and its status semantics.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionRecord is the locally held view of one processor subscription.
type SubscriptionRecord struct {
	ID                        snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID                    string             `json:"user_id" gorm:"type:text;not null;index"`
	ExternalCustomerID        *string            `json:"external_customer_id,omitempty" gorm:"type:text"`
	ExternalSubscriptionID    *string            `json:"external_subscription_id,omitempty" gorm:"type:text"`
	ExternalPriceID           *string            `json:"external_price_id,omitempty" gorm:"type:text"`
	ExternalCheckoutSessionID *string            `json:"external_checkout_session_id,omitempty" gorm:"type:text"`
	SubscriptionStatus        SubscriptionStatus `json:"subscription_status,omitempty" gorm:"type:text;not null;default:''"`
	PaymentStatus             PaymentStatus      `json:"payment_status" gorm:"type:text;not null"`
	PlanType                  string             `json:"plan_type" gorm:"type:text;not null"`
	Amount                    int64              `json:"amount" gorm:"not null"`
	Currency                  string             `json:"currency" gorm:"type:text;not null"`
	CurrentPeriodStart        *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd          *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd         bool               `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt                *time.Time         `json:"canceled_at,omitempty"`
	CancelRequestedAt         *time.Time         `json:"cancel_requested_at,omitempty"`
	ParentSubscriptionID      *snowflake.ID      `json:"parent_subscription_id,omitempty"`
	DeletedAt                 *time.Time         `json:"-"`
	CreatedAt                 time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt                 time.Time          `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionRecord) TableName() string { return "subscription_records" }

// HasExternalSubscription reports whether the processor subscription link is known.
func (r *SubscriptionRecord) HasExternalSubscription() bool {
	return r != nil && r.ExternalSubscriptionID != nil && *r.ExternalSubscriptionID != ""
}

// Deletable reports whether soft deleting the record cannot orphan a live processor subscription.
// Terminal records qualify, as do cancelled checkouts that never linked a subscription.
func (r *SubscriptionRecord) Deletable() bool {
	if r == nil {
		return false
	}
	if IsTerminal(r.SubscriptionStatus) {
		return true
	}
	return !r.HasExternalSubscription() && r.CanceledAt != nil
}

// Patch is a set of field assignments computed from one processor event.
// Nil fields are left untouched.
type Patch struct {
	SubscriptionStatus     *SubscriptionStatus
	CancelAtPeriodEnd      *bool
	CanceledAt             *time.Time
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	ExternalSubscriptionID *string
	ExternalCustomerID     *string
}

// IsEmpty reports whether the patch assigns nothing.
func (p Patch) IsEmpty() bool {
	return p.SubscriptionStatus == nil &&
		p.CancelAtPeriodEnd == nil &&
		p.CanceledAt == nil &&
		p.CurrentPeriodStart == nil &&
		p.CurrentPeriodEnd == nil &&
		p.ExternalSubscriptionID == nil &&
		p.ExternalCustomerID == nil
}

// ChangesLifecycle reports whether the patch touches lifecycle fields rather than links only.
func (p Patch) ChangesLifecycle() bool {
	return p.SubscriptionStatus != nil ||
		p.CancelAtPeriodEnd != nil ||
		p.CanceledAt != nil ||
		p.CurrentPeriodStart != nil ||
		p.CurrentPeriodEnd != nil
}

// Differs reports whether applying the patch would change the record.
func (p Patch) Differs(r *SubscriptionRecord) bool {
	if r == nil {
		return true
	}
	if p.SubscriptionStatus != nil && *p.SubscriptionStatus != r.SubscriptionStatus {
		return true
	}
	if p.CancelAtPeriodEnd != nil && *p.CancelAtPeriodEnd != r.CancelAtPeriodEnd {
		return true
	}
	if p.CanceledAt != nil && !sameTime(p.CanceledAt, r.CanceledAt) {
		return true
	}
	if p.CurrentPeriodStart != nil && !sameTime(p.CurrentPeriodStart, r.CurrentPeriodStart) {
		return true
	}
	if p.CurrentPeriodEnd != nil && !sameTime(p.CurrentPeriodEnd, r.CurrentPeriodEnd) {
		return true
	}
	if p.ExternalSubscriptionID != nil && !sameString(p.ExternalSubscriptionID, r.ExternalSubscriptionID) {
		return true
	}
	if p.ExternalCustomerID != nil && !sameString(p.ExternalCustomerID, r.ExternalCustomerID) {
		return true
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Unix() == b.Unix()
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
