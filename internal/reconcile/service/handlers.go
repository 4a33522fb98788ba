package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
)

func (e *Engine) handleSubscription(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	record, matchedBy, err := e.resolver.Resolve(ctx, event)
	if err != nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy}, err
	}
	if record == nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy, Result: reconciledomain.OutcomeNotFound}, nil
	}

	patch := subscriptionPatch(event)
	subscriptionID := event.SubscriptionID
	if subscriptionID == "" && record.HasExternalSubscription() {
		subscriptionID = *record.ExternalSubscriptionID
	}
	e.enricher.Enrich(ctx, subscriptionID, &patch)

	return e.apply(ctx, event, record, matchedBy, patch, subscriptiondomain.CancelReasonProcessor)
}

// subscriptionPatch derives the patch from the event payload alone, never from the stored record.
func subscriptionPatch(event *paymentdomain.WebhookEvent) subscriptiondomain.Patch {
	var patch subscriptiondomain.Patch

	if strings.TrimSpace(event.Status) != "" {
		status := subscriptiondomain.MapExternalStatus(event.Status)
		patch.SubscriptionStatus = &status
	} else if event.Type == paymentdomain.EventTypeSubscriptionDeleted {
		status := subscriptiondomain.SubscriptionStatusCanceled
		patch.SubscriptionStatus = &status
	}

	if event.CancelAtPeriodEnd != nil {
		cancelAtPeriodEnd := *event.CancelAtPeriodEnd
		patch.CancelAtPeriodEnd = &cancelAtPeriodEnd
	}
	if event.CanceledAt != nil {
		canceledAt := event.CanceledAt.UTC()
		patch.CanceledAt = &canceledAt
	} else if patch.SubscriptionStatus != nil && *patch.SubscriptionStatus == subscriptiondomain.SubscriptionStatusCanceled && !event.OccurredAt.IsZero() {
		canceledAt := event.OccurredAt.UTC()
		patch.CanceledAt = &canceledAt
	}
	if event.CurrentPeriodStart != nil {
		start := event.CurrentPeriodStart.UTC()
		patch.CurrentPeriodStart = &start
	}
	if event.CurrentPeriodEnd != nil {
		end := event.CurrentPeriodEnd.UTC()
		patch.CurrentPeriodEnd = &end
	}
	return patch
}

func (e *Engine) handlePaymentFailed(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	record, matchedBy, err := e.resolvePaymentFailed(ctx, event)
	if err != nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy}, err
	}
	e.metrics.RecordResolverMatch(ctx, string(matchedBy))
	if record == nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy, Result: reconciledomain.OutcomeNotFound}, nil
	}

	// A record that never activated expires; anything else is cancelled.
	// paymentStatus always follows the status table, so CANCELED reads as Cancelled rather than Failed.
	status := subscriptiondomain.SubscriptionStatusCanceled
	if record.SubscriptionStatus == "" || record.SubscriptionStatus == subscriptiondomain.SubscriptionStatusIncomplete {
		status = subscriptiondomain.SubscriptionStatusIncompleteExpired
	}
	canceledAt := e.now(event)
	patch := subscriptiondomain.Patch{
		SubscriptionStatus: &status,
		CanceledAt:         &canceledAt,
	}
	return e.apply(ctx, event, record, matchedBy, patch, subscriptiondomain.CancelReasonPaymentFailed)
}

func (e *Engine) resolvePaymentFailed(ctx context.Context, event *paymentdomain.WebhookEvent) (*subscriptiondomain.SubscriptionRecord, reconciledomain.MatchedBy, error) {
	if event.SubscriptionID != "" {
		record, err := e.repo.FindByExternalSubscriptionID(ctx, e.db, event.SubscriptionID)
		if err != nil || record != nil {
			return record, reconciledomain.MatchedByDirectID, err
		}
	}
	if raw := strings.TrimSpace(event.MetadataValue(processordomain.MetadataRecordID)); raw != "" {
		if id, err := snowflake.ParseString(raw); err == nil {
			record, err := e.repo.FindByID(ctx, e.db, id)
			if err != nil || record != nil {
				return record, reconciledomain.MatchedByRecordMetadata, err
			}
		}
	}
	if event.CustomerID == "" {
		return nil, reconciledomain.MatchedByNone, nil
	}
	record, err := e.repo.FindLatestByCustomerExcludingStatuses(ctx, e.db, event.CustomerID, subscriptiondomain.TerminalStatuses)
	if err != nil || record == nil {
		return nil, reconciledomain.MatchedByNone, err
	}
	return record, reconciledomain.MatchedByCustomerNonTerminal, nil
}

func (e *Engine) handleInvoicePaid(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	record, matchedBy, err := e.resolveInvoicePaid(ctx, event)
	if err != nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy}, err
	}
	e.metrics.RecordResolverMatch(ctx, string(matchedBy))
	if record == nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy, Result: reconciledomain.OutcomeNotFound}, nil
	}

	patch := linkPatch(record, event.SubscriptionID, event.CustomerID)
	switch record.SubscriptionStatus {
	case "", subscriptiondomain.SubscriptionStatusIncomplete, subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.SubscriptionStatusUnpaid:
		active := subscriptiondomain.SubscriptionStatusActive
		patch.SubscriptionStatus = &active
	}
	if event.CurrentPeriodStart != nil {
		start := event.CurrentPeriodStart.UTC()
		patch.CurrentPeriodStart = &start
	}
	if event.CurrentPeriodEnd != nil {
		end := event.CurrentPeriodEnd.UTC()
		patch.CurrentPeriodEnd = &end
	}
	return e.apply(ctx, event, record, matchedBy, patch, subscriptiondomain.CancelReasonProcessor)
}

func (e *Engine) resolveInvoicePaid(ctx context.Context, event *paymentdomain.WebhookEvent) (*subscriptiondomain.SubscriptionRecord, reconciledomain.MatchedBy, error) {
	if event.SubscriptionID != "" {
		record, err := e.repo.FindByExternalSubscriptionID(ctx, e.db, event.SubscriptionID)
		if err != nil || record != nil {
			return record, reconciledomain.MatchedByDirectID, err
		}
	}
	if event.CustomerID == "" {
		return nil, reconciledomain.MatchedByNone, nil
	}
	record, err := e.repo.FindLatestByCustomerAndPaymentStatus(ctx, e.db, event.CustomerID, subscriptiondomain.PaymentStatusProcessing)
	if err != nil || record == nil {
		return nil, reconciledomain.MatchedByNone, err
	}
	return record, reconciledomain.MatchedByCustomerProcessing, nil
}

// handleCheckoutCompleted only links the session's customer and subscription onto the record
// named by client_reference_id. Status is left to the subscription events.
func (e *Engine) handleCheckoutCompleted(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	raw := strings.TrimSpace(event.ClientReferenceID)
	if raw == "" {
		raw = strings.TrimSpace(event.MetadataValue(processordomain.MetadataRecordID))
	}
	id, err := snowflake.ParseString(raw)
	if raw == "" || err != nil {
		e.metrics.RecordResolverMatch(ctx, string(reconciledomain.MatchedByNone))
		return reconciledomain.Outcome{MatchedBy: reconciledomain.MatchedByNone, Result: reconciledomain.OutcomeNotFound}, nil
	}

	record, err := e.repo.FindByID(ctx, e.db, id)
	if err != nil {
		return reconciledomain.Outcome{MatchedBy: reconciledomain.MatchedByNone}, err
	}
	if record == nil {
		e.metrics.RecordResolverMatch(ctx, string(reconciledomain.MatchedByNone))
		return reconciledomain.Outcome{MatchedBy: reconciledomain.MatchedByNone, Result: reconciledomain.OutcomeNotFound}, nil
	}
	e.metrics.RecordResolverMatch(ctx, string(reconciledomain.MatchedByClientReference))

	patch := linkPatch(record, event.SubscriptionID, event.CustomerID)
	return e.apply(ctx, event, record, reconciledomain.MatchedByClientReference, patch, subscriptiondomain.CancelReasonProcessor)
}

// apply writes patch and emits a domain event when the status moved into past-due or a terminal status.
func (e *Engine) apply(
	ctx context.Context,
	event *paymentdomain.WebhookEvent,
	record *subscriptiondomain.SubscriptionRecord,
	matchedBy reconciledomain.MatchedBy,
	patch subscriptiondomain.Patch,
	reason subscriptiondomain.CancelReason,
) (reconciledomain.Outcome, error) {
	previous := record.SubscriptionStatus
	updated, result, err := e.updater.Apply(ctx, record, patch)
	if err != nil {
		return reconciledomain.Outcome{MatchedBy: matchedBy}, err
	}
	outcome := reconciledomain.Outcome{MatchedBy: matchedBy, Result: result, Record: updated}
	if result != reconciledomain.OutcomeApplied || updated == nil || updated.SubscriptionStatus == previous {
		return outcome, nil
	}

	switch {
	case updated.SubscriptionStatus == subscriptiondomain.SubscriptionStatusPastDue:
		e.emitter.EmitPastDue(ctx, updated, e.now(event))
	case subscriptiondomain.IsTerminal(updated.SubscriptionStatus):
		e.emitter.EmitCancelled(ctx, updated, e.now(event), reason)
	}
	return outcome, nil
}
