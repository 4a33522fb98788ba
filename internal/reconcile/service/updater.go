package service

import (
	"context"

	"github.com/smallbiznis/subreconcile/internal/clock"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Updater writes patches with a single conditional update keyed by record id.
// Records in a terminal status only accept link back-fills.
type Updater struct {
	db    *gorm.DB
	repo  subscriptiondomain.Repository
	clock clock.Clock
	log   *zap.Logger
}

func NewUpdater(db *gorm.DB, repo subscriptiondomain.Repository, clk clock.Clock, log *zap.Logger) *Updater {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{db: db, repo: repo, clock: clk, log: log.Named("reconcile.updater")}
}

// Apply writes patch onto record and returns the stored result.
func (u *Updater) Apply(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, patch subscriptiondomain.Patch) (*subscriptiondomain.SubscriptionRecord, reconciledomain.Result, error) {
	if record == nil {
		return nil, reconciledomain.OutcomeNotFound, nil
	}

	if subscriptiondomain.IsTerminal(record.SubscriptionStatus) {
		return u.applyLinksOnly(ctx, record, patch)
	}
	if !patch.Differs(record) {
		return record, reconciledomain.OutcomeUnchanged, nil
	}

	rows, err := u.repo.UpdateByID(ctx, u.db, record.ID, patch, subscriptiondomain.TerminalStatuses, u.clock.Now().UTC())
	if err != nil {
		return nil, "", err
	}

	current, err := u.repo.FindByID(ctx, u.db, record.ID)
	if err != nil {
		return nil, "", err
	}
	if current == nil {
		return nil, reconciledomain.OutcomeNotFound, nil
	}
	if rows == 0 {
		// A concurrent delivery moved the record to a terminal status first.
		if subscriptiondomain.IsTerminal(current.SubscriptionStatus) {
			return u.applyLinksOnly(ctx, current, patch)
		}
		return current, reconciledomain.OutcomeUnchanged, nil
	}
	return current, reconciledomain.OutcomeApplied, nil
}

// Backfill writes the external links onto record when they are missing or different.
func (u *Updater) Backfill(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, subscriptionID, customerID string) (*subscriptiondomain.SubscriptionRecord, error) {
	patch := linkPatch(record, subscriptionID, customerID)
	if patch.IsEmpty() {
		return record, nil
	}
	if _, err := u.repo.UpdateByID(ctx, u.db, record.ID, patch, nil, u.clock.Now().UTC()); err != nil {
		return nil, err
	}
	u.log.Info("back-filled processor link",
		zap.String("record_id", record.ID.String()),
		zap.String("external_subscription_id", subscriptionID),
	)

	linked := *record
	if patch.ExternalSubscriptionID != nil {
		linked.ExternalSubscriptionID = patch.ExternalSubscriptionID
	}
	if patch.ExternalCustomerID != nil {
		linked.ExternalCustomerID = patch.ExternalCustomerID
	}
	return &linked, nil
}

func (u *Updater) applyLinksOnly(ctx context.Context, record *subscriptiondomain.SubscriptionRecord, patch subscriptiondomain.Patch) (*subscriptiondomain.SubscriptionRecord, reconciledomain.Result, error) {
	links := subscriptiondomain.Patch{
		ExternalSubscriptionID: patch.ExternalSubscriptionID,
		ExternalCustomerID:     patch.ExternalCustomerID,
	}
	if !links.IsEmpty() && links.Differs(record) {
		if _, err := u.repo.UpdateByID(ctx, u.db, record.ID, links, nil, u.clock.Now().UTC()); err != nil {
			return nil, "", err
		}
		current, err := u.repo.FindByID(ctx, u.db, record.ID)
		if err != nil {
			return nil, "", err
		}
		if current != nil {
			record = current
		}
	}
	if patch.ChangesLifecycle() {
		u.log.Info("record is terminal; lifecycle change skipped",
			zap.String("record_id", record.ID.String()),
			zap.String("status", string(record.SubscriptionStatus)),
		)
	}
	return record, reconciledomain.OutcomeSkippedTerminal, nil
}

func linkPatch(record *subscriptiondomain.SubscriptionRecord, subscriptionID, customerID string) subscriptiondomain.Patch {
	var patch subscriptiondomain.Patch
	if subscriptionID != "" && (record.ExternalSubscriptionID == nil || *record.ExternalSubscriptionID != subscriptionID) {
		patch.ExternalSubscriptionID = &subscriptionID
	}
	if customerID != "" && (record.ExternalCustomerID == nil || *record.ExternalCustomerID == "") {
		patch.ExternalCustomerID = &customerID
	}
	return patch
}
