package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const (
	cancelBranchExpireCheckout = "expire_checkout"
	cancelBranchDisableRenewal = "disable_renewal"
	cancelBranchLocalOnly      = "local_only"
	cancelBranchNone           = "none"
)

// Cancel stops a subscription on the user's request.
//
// An INCOMPLETE record only has a checkout session, which is expired on a best-effort basis.
// Any other live record has auto-renewal disabled remotely and ends through the
// processor's own period-end webhook. canceledAt is written only after the remote
// step; when auto-renewal cannot be disabled the record gets cancel_requested_at,
// a remote_cancel retry is queued and ErrRemoteActionFailed is returned.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*subscriptiondomain.SubscriptionRecord, error) {
	record, err := s.Get(ctx, userID, id)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrRecordNotFound) {
			s.metrics.RecordCancellation(ctx, cancelBranchNone, "not_found")
		}
		return nil, err
	}
	if subscriptiondomain.IsTerminal(record.SubscriptionStatus) {
		s.metrics.RecordCancellation(ctx, cancelBranchNone, "already_terminal")
		return record, nil
	}

	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("record_id", record.ID.String()))
	now := s.clock.Now().UTC()
	patch := subscriptiondomain.Patch{CanceledAt: &now}
	branch := cancelBranchLocalOnly

	switch {
	case record.SubscriptionStatus == subscriptiondomain.SubscriptionStatusIncomplete || record.SubscriptionStatus == "":
		branch = cancelBranchExpireCheckout
		if record.ExternalCheckoutSessionID != nil && *record.ExternalCheckoutSessionID != "" && s.processor != nil {
			if err := s.processor.ExpireCheckoutSession(ctx, *record.ExternalCheckoutSessionID); err != nil {
				log.Warn("checkout session expiry failed; session will lapse on its own", zap.Error(err))
			}
		}

	case record.HasExternalSubscription():
		branch = cancelBranchDisableRenewal
		if s.processor == nil {
			return nil, subscriptiondomain.ErrProcessorNotEnabled
		}
		sub, err := s.processor.CancelSubscription(ctx, *record.ExternalSubscriptionID)
		if err != nil {
			s.metrics.RecordCancellation(ctx, branch, "remote_failed")
			s.recordCancelIntent(ctx, record, now, err)
			s.auditLog(ctx, record.UserID, "subscription.cancel_requested", record.ID, map[string]any{"branch": branch})
			return nil, fmt.Errorf("%w: %v", subscriptiondomain.ErrRemoteActionFailed, err)
		}
		cancelAtPeriodEnd := true
		if sub != nil {
			cancelAtPeriodEnd = sub.CancelAtPeriodEnd
		}
		patch.CancelAtPeriodEnd = &cancelAtPeriodEnd
	}

	updated, err := s.writeCancellation(ctx, record, patch)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCancellation(ctx, branch, "succeeded")
	s.auditLog(ctx, record.UserID, "subscription.cancel", record.ID, map[string]any{"branch": branch})
	log.Info("subscription cancelled", zap.String("branch", branch))
	return updated, nil
}

// RetryRemoteCancel completes a cancellation whose remote step failed earlier.
// Records that are gone, terminal or already cancelled need nothing.
func (s *Service) RetryRemoteCancel(ctx context.Context, id string) error {
	recordID, err := s.parseID(id, subscriptiondomain.ErrInvalidRecordID)
	if err != nil {
		return err
	}
	record, err := s.repo.FindByID(ctx, s.db, recordID)
	if err != nil {
		return err
	}
	if record == nil || subscriptiondomain.IsTerminal(record.SubscriptionStatus) || record.CanceledAt != nil || !record.HasExternalSubscription() {
		return nil
	}
	if s.processor == nil {
		return subscriptiondomain.ErrProcessorNotEnabled
	}

	sub, err := s.processor.CancelSubscription(ctx, *record.ExternalSubscriptionID)
	if err != nil {
		s.metrics.RecordCancellation(ctx, cancelBranchDisableRenewal, "retry_failed")
		return err
	}

	now := s.clock.Now().UTC()
	cancelAtPeriodEnd := true
	if sub != nil {
		cancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	if _, err := s.writeCancellation(ctx, record, subscriptiondomain.Patch{CanceledAt: &now, CancelAtPeriodEnd: &cancelAtPeriodEnd}); err != nil {
		return err
	}
	s.metrics.RecordCancellation(ctx, cancelBranchDisableRenewal, "retry_succeeded")
	return nil
}

func (s *Service) writeCancellation(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, patch subscriptiondomain.Patch) (*subscriptiondomain.SubscriptionRecord, error) {
	if _, err := s.repo.UpdateByID(ctx, s.db, record.ID, patch, subscriptiondomain.TerminalStatuses, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	updated, err := s.repo.FindByID(ctx, s.db, record.ID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, subscriptiondomain.ErrRecordNotFound
	}
	return updated, nil
}

func (s *Service) recordCancelIntent(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, at time.Time, cause error) {
	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("record_id", record.ID.String()))
	if err := s.repo.MarkCancelRequested(ctx, s.db, record.ID, at); err != nil {
		log.Error("failed to record cancel intent", zap.Error(err))
	}
	if s.retry == nil {
		log.Warn("remote cancel failed; no retry queue", zap.Error(cause))
		return
	}

	job := retryqueue.NewJob(ctx, retryqueue.KindRemoteCancel)
	job.RecordID = record.ID.String()
	job.LastError = cause.Error()
	if err := s.retry.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("remote cancel failed; retry not queued", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	log.Warn("remote cancel failed; retry queued", zap.String("job_id", job.ID), zap.Error(cause))
}

// RegisterRetryHandler lets the retry worker complete failed remote cancellations.
func RegisterRetryHandler(worker *retryqueue.Worker, svc subscriptiondomain.Service) {
	if worker == nil {
		return
	}
	worker.Handle(retryqueue.KindRemoteCancel, func(ctx context.Context, job retryqueue.Job) error {
		return svc.RetryRemoteCancel(ctx, job.RecordID)
	})
}
