package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resolver locates the record a subscription event belongs to.
//
// Rules, first match wins:
//  1. external subscription id
//  2. local record id from processor metadata, then back-fill the link
//  3. newest record of the customer that has no subscription link yet
//  4. newest record of the customer, then back-fill the link
//
// A miss is returned as a nil record with MatchedByNone.
type Resolver struct {
	db        *gorm.DB
	repo      subscriptiondomain.Repository
	processor processordomain.Processor
	updater   *Updater
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
}

func NewResolver(db *gorm.DB, repo subscriptiondomain.Repository, processor processordomain.Processor, updater *Updater, log *zap.Logger, metrics *obsmetrics.Metrics) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		db:        db,
		repo:      repo,
		processor: processor,
		updater:   updater,
		log:       log.Named("reconcile.resolver"),
		metrics:   metrics,
	}
}

func (r *Resolver) Resolve(ctx context.Context, event *paymentdomain.WebhookEvent) (*subscriptiondomain.SubscriptionRecord, reconciledomain.MatchedBy, error) {
	record, matchedBy, err := r.resolve(ctx, event)
	if err != nil {
		return nil, reconciledomain.MatchedByNone, err
	}
	r.metrics.RecordResolverMatch(ctx, string(matchedBy))
	return record, matchedBy, nil
}

func (r *Resolver) resolve(ctx context.Context, event *paymentdomain.WebhookEvent) (*subscriptiondomain.SubscriptionRecord, reconciledomain.MatchedBy, error) {
	subscriptionID := strings.TrimSpace(event.SubscriptionID)
	customerID := strings.TrimSpace(event.CustomerID)

	if subscriptionID != "" {
		record, err := r.repo.FindByExternalSubscriptionID(ctx, r.db, subscriptionID)
		if err != nil {
			return nil, reconciledomain.MatchedByNone, err
		}
		if record != nil {
			return record, reconciledomain.MatchedByDirectID, nil
		}

		record, err = r.byProcessorMetadata(ctx, event, subscriptionID)
		if err != nil {
			return nil, reconciledomain.MatchedByNone, err
		}
		if record != nil {
			linked, err := r.updater.Backfill(ctx, record, subscriptionID, customerID)
			if err != nil {
				return nil, reconciledomain.MatchedByNone, err
			}
			return linked, reconciledomain.MatchedByMetadataBackfill, nil
		}
	}

	if customerID == "" {
		return nil, reconciledomain.MatchedByNone, nil
	}

	record, err := r.repo.FindByExternalCustomerIDWithoutSubscription(ctx, r.db, customerID)
	if err != nil {
		return nil, reconciledomain.MatchedByNone, err
	}
	matchedBy := reconciledomain.MatchedByCustomerIDNoSub
	if record == nil {
		record, err = r.repo.FindByExternalCustomerID(ctx, r.db, customerID)
		if err != nil {
			return nil, reconciledomain.MatchedByNone, err
		}
		matchedBy = reconciledomain.MatchedByCustomerIDAny
	}
	if record == nil {
		return nil, reconciledomain.MatchedByNone, nil
	}

	linked, err := r.updater.Backfill(ctx, record, subscriptionID, customerID)
	if err != nil {
		return nil, reconciledomain.MatchedByNone, err
	}
	return linked, matchedBy, nil
}

// byProcessorMetadata reads the local record id from the event metadata, or from
// the processor's copy of the subscription when the event does not carry it.
// Processor failures are logged and treated as a miss so the customer rules still run.
func (r *Resolver) byProcessorMetadata(ctx context.Context, event *paymentdomain.WebhookEvent, subscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	raw := strings.TrimSpace(event.MetadataValue(processordomain.MetadataRecordID))
	if raw == "" && r.processor != nil {
		sub, err := r.processor.GetSubscription(ctx, subscriptionID)
		if err != nil {
			ctxlogger.WithContext(ctx, r.log).Warn("subscription metadata lookup failed",
				zap.String("external_subscription_id", subscriptionID),
				zap.Error(err),
			)
			r.metrics.RecordRemoteFailure(ctx, "get_subscription", obsmetrics.ClassifyJobReason(err))
			return nil, nil
		}
		raw = strings.TrimSpace(sub.RecordID())
	}
	if raw == "" {
		return nil, nil
	}

	id, err := snowflake.ParseString(raw)
	if err != nil {
		r.log.Warn("subscription metadata carries an invalid record id", zap.String("record_id", raw))
		return nil, nil
	}
	record, err := r.repo.FindByID(ctx, r.db, id)
	if err != nil || record == nil {
		return nil, err
	}
	// A record already linked to another subscription belongs to that subscription.
	if record.HasExternalSubscription() && *record.ExternalSubscriptionID != subscriptionID {
		return nil, nil
	}
	return record, nil
}
