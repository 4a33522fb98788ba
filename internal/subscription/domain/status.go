package domain

import "strings"

// SubscriptionStatus represents lifecycle states for a subscription record.
// The zero value means no processor state has been observed yet.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "INCOMPLETE"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "INCOMPLETE_EXPIRED"
	SubscriptionStatusTrialing          SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue           SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled          SubscriptionStatus = "CANCELED"
	SubscriptionStatusUnpaid            SubscriptionStatus = "UNPAID"
)

// AllSubscriptionStatuses lists every status variant.
var AllSubscriptionStatuses = [...]SubscriptionStatus{
	SubscriptionStatusIncomplete,
	SubscriptionStatusIncompleteExpired,
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCanceled,
	SubscriptionStatusUnpaid,
}

// TerminalStatuses admit no further transition.
var TerminalStatuses = []SubscriptionStatus{
	SubscriptionStatusCanceled,
	SubscriptionStatusIncompleteExpired,
}

// PaymentStatus is derived from SubscriptionStatus and never set on its own.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

var paymentStatusTable = [...]struct {
	status  SubscriptionStatus
	payment PaymentStatus
}{
	{SubscriptionStatusIncomplete, PaymentStatusProcessing},
	{SubscriptionStatusIncompleteExpired, PaymentStatusFailed},
	{SubscriptionStatusTrialing, PaymentStatusPending},
	{SubscriptionStatusActive, PaymentStatusSucceeded},
	{SubscriptionStatusPastDue, PaymentStatusFailed},
	{SubscriptionStatusCanceled, PaymentStatusCancelled},
	{SubscriptionStatusUnpaid, PaymentStatusFailed},
}

// Fails to compile when a status is added without a payment status entry.
var _ = [1]struct{}{}[len(paymentStatusTable)-len(AllSubscriptionStatuses)]

var externalStatusTable = map[string]SubscriptionStatus{
	"incomplete":         SubscriptionStatusIncomplete,
	"incomplete_expired": SubscriptionStatusIncompleteExpired,
	"trialing":           SubscriptionStatusTrialing,
	"active":             SubscriptionStatusActive,
	"past_due":           SubscriptionStatusPastDue,
	"canceled":           SubscriptionStatusCanceled,
	"unpaid":             SubscriptionStatusUnpaid,
}

// MapExternalStatus maps a processor subscription status to the internal status.
// Unknown values, including "paused", map to INCOMPLETE.
func MapExternalStatus(raw string) SubscriptionStatus {
	if status, ok := externalStatusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return SubscriptionStatusIncomplete
}

// PaymentStatusFor looks up the payment status of s in the fixed table.
func PaymentStatusFor(s SubscriptionStatus) (PaymentStatus, bool) {
	for _, entry := range paymentStatusTable {
		if entry.status == s {
			return entry.payment, true
		}
	}
	return "", false
}

// ToPaymentStatus returns the payment status for s. A record with no observed status is pending.
func ToPaymentStatus(s SubscriptionStatus) PaymentStatus {
	if payment, ok := PaymentStatusFor(s); ok {
		return payment
	}
	return PaymentStatusPending
}

// IsTerminal reports whether s admits no further transition.
func IsTerminal(s SubscriptionStatus) bool {
	for _, terminal := range TerminalStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}

// IsKnown reports whether s is one of the defined variants.
func IsKnown(s SubscriptionStatus) bool {
	_, ok := PaymentStatusFor(s)
	return ok
}
