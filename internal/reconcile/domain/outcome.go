// Package domain describes the result of applying one processor event to the local records.
package domain

import (
	"context"

	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
)

// MatchedBy names the lookup rule that located the record.
type MatchedBy string

const (
	MatchedByDirectID         MatchedBy = "directId"
	MatchedByMetadataBackfill MatchedBy = "metadataBackfill"
	MatchedByCustomerIDNoSub  MatchedBy = "customerIdNoSub"
	MatchedByCustomerIDAny    MatchedBy = "customerIdAny"
	MatchedByNone             MatchedBy = "none"

	// Used by the payment and checkout handlers, which resolve on their own terms.
	MatchedByRecordMetadata      MatchedBy = "recordMetadata"
	MatchedByCustomerNonTerminal MatchedBy = "customerNonTerminal"
	MatchedByCustomerProcessing  MatchedBy = "customerProcessing"
	MatchedByClientReference     MatchedBy = "clientReference"
)

// Result is what happened to the resolved record.
type Result string

const (
	OutcomeApplied         Result = "applied"
	OutcomeUnchanged       Result = "unchanged"
	OutcomeSkippedTerminal Result = "skipped_terminal"
	OutcomeNotFound        Result = "not_found"
	OutcomeIgnored         Result = "ignored"
)

// Outcome reports one reconciliation. A not_found outcome is a benign miss, never an error.
type Outcome struct {
	EventType string
	MatchedBy MatchedBy
	Result    Result
	Record    *subscriptiondomain.SubscriptionRecord
}

// Engine applies parsed processor events to subscription records.
type Engine interface {
	Apply(ctx context.Context, event *paymentdomain.WebhookEvent) (Outcome, error)
}
