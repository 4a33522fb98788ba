package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/events"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	"github.com/smallbiznis/subreconcile/internal/processor/mocks"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/internal/subscription/repository"
	"github.com/smallbiznis/subreconcile/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingRepo struct {
	subscriptiondomain.Repository
	updates int
}

func (r *countingRepo) UpdateByID(ctx context.Context, db *gorm.DB, id snowflake.ID, patch subscriptiondomain.Patch, guard []subscriptiondomain.SubscriptionStatus, now time.Time) (int64, error) {
	r.updates++
	return r.Repository.UpdateByID(ctx, db, id, patch, guard, now)
}

type publishedEvent struct {
	Type     string `json:"type"`
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _, _ string, payload []byte) error {
	var evt publishedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, evt := range p.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	db        *gorm.DB
	node      *snowflake.Node
	repo      *countingRepo
	processor *mocks.MockProcessor
	published *recordingPublisher
	engine    *Engine
}

func newHarness(t *testing.T, enrich bool) *harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.DefaultReconcileConfig()
	cfg.Enrichment.Enabled = enrich

	h := &harness{
		db:        dbtest.Open(t),
		node:      node,
		repo:      &countingRepo{Repository: repository.Provide()},
		processor: mocks.NewMockProcessor(gomock.NewController(t)),
		published: &recordingPublisher{},
	}
	h.engine = New(Params{
		DB:        h.db,
		Repo:      h.repo,
		Processor: h.processor,
		Emitter:   events.NewEmitter(h.published, "", zap.NewNop(), nil),
		Holder:    config.NewStaticReconcileConfigHolder(cfg),
		Clock:     clock.NewFakeClock(baseTime.Add(time.Hour)),
		Log:       zap.NewNop(),
	})
	return h
}

func strPtr(v string) *string { return &v }

func (h *harness) insert(t *testing.T, customerID, subscriptionID *string, status subscriptiondomain.SubscriptionStatus, age time.Duration) *subscriptiondomain.SubscriptionRecord {
	t.Helper()
	createdAt := baseTime.Add(-age)
	record := &subscriptiondomain.SubscriptionRecord{
		ID:                     h.node.Generate(),
		UserID:                 "user_1",
		ExternalCustomerID:     customerID,
		ExternalSubscriptionID: subscriptionID,
		SubscriptionStatus:     status,
		PaymentStatus:          subscriptiondomain.ToPaymentStatus(status),
		PlanType:               "monthly",
		Amount:                 1500,
		Currency:               "usd",
		CreatedAt:              createdAt,
		UpdatedAt:              createdAt,
	}
	require.NoError(t, h.repo.Insert(context.Background(), h.db, record))
	return record
}

func (h *harness) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.SubscriptionRecord {
	t.Helper()
	record, err := h.repo.FindByID(context.Background(), h.db, id)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func subscriptionEvent(eventType, subscriptionID, customerID, status string) *paymentdomain.WebhookEvent {
	return &paymentdomain.WebhookEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_" + subscriptionID + "_" + status,
		Type:            eventType,
		OccurredAt:      baseTime,
		ObjectID:        subscriptionID,
		SubscriptionID:  subscriptionID,
		CustomerID:      customerID,
		Status:          status,
	}
}

func TestPendingCheckoutRecordIsLinkedAndActivated(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	periodStart := baseTime.Add(-24 * time.Hour)
	h.processor.EXPECT().GetSubscription(gomock.Any(), "sub_1").
		Return(&processordomain.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"}, nil)
	h.processor.EXPECT().GetLatestInvoice(gomock.Any(), "sub_1").
		Return(&processordomain.Invoice{ID: "in_1", SubscriptionID: "sub_1", LinePeriodStart: &periodStart}, nil)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "active"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeApplied, outcome.Result)
	assert.Equal(t, reconciledomain.MatchedByCustomerIDNoSub, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	require.NotNil(t, stored.ExternalSubscriptionID)
	assert.Equal(t, "sub_1", *stored.ExternalSubscriptionID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusSucceeded, stored.PaymentStatus)
	require.NotNil(t, stored.CurrentPeriodStart)
	assert.True(t, stored.CurrentPeriodStart.Equal(periodStart))
}

func TestPastDueTransitionEmitsOneEvent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "past_due"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByDirectID, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusFailed, stored.PaymentStatus)

	pastDue := h.published.ofType(events.TypeSubscriptionPastDue)
	require.Len(t, pastDue, 1)
	assert.Equal(t, record.ID.String(), pastDue[0].RecordID)
	assert.Empty(t, h.published.ofType(events.TypeSubscriptionCancelled))
}

func TestRedeliveredEventIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	end := baseTime.Add(30 * 24 * time.Hour)
	event := subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "past_due")
	event.CurrentPeriodEnd = &end

	first, err := h.engine.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeApplied, first.Result)
	afterFirst := h.reload(t, record.ID)

	second, err := h.engine.Apply(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeUnchanged, second.Result)
	afterSecond := h.reload(t, record.ID)

	assert.Equal(t, afterFirst.SubscriptionStatus, afterSecond.SubscriptionStatus)
	assert.Equal(t, afterFirst.PaymentStatus, afterSecond.PaymentStatus)
	assert.True(t, afterFirst.CurrentPeriodEnd.Equal(*afterSecond.CurrentPeriodEnd))
	assert.True(t, afterFirst.UpdatedAt.Equal(afterSecond.UpdatedAt))
	assert.Len(t, h.published.ofType(events.TypeSubscriptionPastDue), 1)
}

func TestCustomerOnlyEventPrefersUnlinkedRecord(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	unlinked := h.insert(t, strPtr("cus_1"), nil, subscriptiondomain.SubscriptionStatusIncomplete, 2*time.Hour)
	linked := h.insert(t, strPtr("cus_1"), strPtr("sub_0"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "", "cus_1", "trialing"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByCustomerIDNoSub, outcome.MatchedBy)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, unlinked.ID, outcome.Record.ID)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, h.reload(t, unlinked.ID).SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.reload(t, linked.ID).SubscriptionStatus)
}

func TestMetadataMatchConvergesToDirectLookup(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, nil, nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	first := subscriptionEvent(paymentdomain.EventTypeSubscriptionCreated, "sub_9", "cus_9", "incomplete")
	first.Metadata = map[string]string{processordomain.MetadataRecordID: record.ID.String()}
	outcome, err := h.engine.Apply(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByMetadataBackfill, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	require.NotNil(t, stored.ExternalSubscriptionID)
	assert.Equal(t, "sub_9", *stored.ExternalSubscriptionID)
	require.NotNil(t, stored.ExternalCustomerID)
	assert.Equal(t, "cus_9", *stored.ExternalCustomerID)

	outcome, err = h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_9", "cus_9", "active"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByDirectID, outcome.MatchedBy)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.reload(t, record.ID).SubscriptionStatus)
}

func TestProcessorMetadataLookupBackfillsLink(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, nil, nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	h.processor.EXPECT().GetSubscription(gomock.Any(), "sub_5").Return(&processordomain.Subscription{
		ID:       "sub_5",
		Metadata: map[string]string{processordomain.MetadataRecordID: record.ID.String()},
	}, nil).Times(1)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_5", "", "active"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByMetadataBackfill, outcome.MatchedBy)

	outcome, err = h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_5", "", "past_due"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByDirectID, outcome.MatchedBy)
}

func TestUnmatchedEventIsBenignMiss(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.processor.EXPECT().GetSubscription(gomock.Any(), "sub_x").Return(nil, processordomain.ErrNotFound)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_x", "cus_x", "active"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeNotFound, outcome.Result)
	assert.Equal(t, reconciledomain.MatchedByNone, outcome.MatchedBy)
	assert.Zero(t, h.repo.updates)
	assert.Empty(t, h.published.events)
}

func TestTerminalRecordAcceptsNoTransition(t *testing.T) {
	for _, terminal := range subscriptiondomain.TerminalStatuses {
		t.Run(string(terminal), func(t *testing.T) {
			h := newHarness(t, false)
			ctx := context.Background()
			record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), terminal, time.Minute)

			sequence := []*paymentdomain.WebhookEvent{
				subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "active"),
				subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "past_due"),
				subscriptionEvent(paymentdomain.EventTypeSubscriptionCreated, "sub_1", "cus_1", "trialing"),
				{Provider: "stripe", Type: paymentdomain.EventTypeInvoicePaid, SubscriptionID: "sub_1", CustomerID: "cus_1", OccurredAt: baseTime},
				{Provider: "stripe", Type: paymentdomain.EventTypePaymentIntentFailed, SubscriptionID: "sub_1", CustomerID: "cus_1", OccurredAt: baseTime},
				subscriptionEvent(paymentdomain.EventTypeSubscriptionDeleted, "sub_1", "cus_1", ""),
			}
			for _, event := range sequence {
				outcome, err := h.engine.Apply(ctx, event)
				require.NoError(t, err)
				assert.Equal(t, reconciledomain.OutcomeSkippedTerminal, outcome.Result, event.Type)

				stored := h.reload(t, record.ID)
				assert.Equal(t, terminal, stored.SubscriptionStatus)
				assert.Equal(t, subscriptiondomain.ToPaymentStatus(terminal), stored.PaymentStatus)
			}
			assert.Empty(t, h.published.events)
		})
	}
}

func TestDeletedEventCancelsAndEmits(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionDeleted, "sub_1", "cus_1", ""))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeApplied, outcome.Result)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusCancelled, stored.PaymentStatus)
	require.NotNil(t, stored.CanceledAt)
	assert.True(t, stored.CanceledAt.Equal(baseTime))

	cancelled := h.published.ofType(events.TypeSubscriptionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, string(subscriptiondomain.CancelReasonProcessor), cancelled[0].Reason)
}

func TestLastAppliedEventWinsOutOfOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	later := subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "past_due")
	later.OccurredAt = baseTime.Add(time.Hour)
	earlier := subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "active")

	_, err := h.engine.Apply(ctx, later)
	require.NoError(t, err)
	_, err = h.engine.Apply(ctx, earlier)
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, h.reload(t, record.ID).SubscriptionStatus)
}

func TestEnrichmentFailureDoesNotBlockUpdate(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	h.processor.EXPECT().GetLatestInvoice(gomock.Any(), "sub_1").Return(nil, processordomain.ErrTransient)

	outcome, err := h.engine.Apply(ctx, subscriptionEvent(paymentdomain.EventTypeSubscriptionUpdated, "sub_1", "cus_1", "active"))
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeApplied, outcome.Result)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.SubscriptionStatus)
	assert.Nil(t, stored.CurrentPeriodStart)
}

func TestPaymentFailedExpiresIncompleteRecord(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	outcome, err := h.engine.Apply(ctx, &paymentdomain.WebhookEvent{
		Provider:   "stripe",
		Type:       paymentdomain.EventTypePaymentIntentFailed,
		ObjectID:   "pi_1",
		CustomerID: "cus_1",
		OccurredAt: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByCustomerNonTerminal, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncompleteExpired, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusFailed, stored.PaymentStatus)
	require.NotNil(t, stored.CanceledAt)

	cancelled := h.published.ofType(events.TypeSubscriptionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, string(subscriptiondomain.CancelReasonPaymentFailed), cancelled[0].Reason)
}

func TestPaymentFailedCancelsActiveRecordBySubscriptionMetadata(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusActive, time.Minute)

	outcome, err := h.engine.Apply(ctx, &paymentdomain.WebhookEvent{
		Provider:       "stripe",
		Type:           paymentdomain.EventTypePaymentIntentFailed,
		SubscriptionID: "sub_1",
		OccurredAt:     baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByDirectID, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusCancelled, stored.PaymentStatus)
}

func TestInvoicePaidPromotesProcessingRecord(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	start := baseTime
	end := baseTime.Add(30 * 24 * time.Hour)
	outcome, err := h.engine.Apply(ctx, &paymentdomain.WebhookEvent{
		Provider:           "stripe",
		Type:               paymentdomain.EventTypeInvoicePaid,
		ObjectID:           "in_1",
		SubscriptionID:     "sub_2",
		CustomerID:         "cus_1",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		OccurredAt:         baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByCustomerProcessing, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.SubscriptionStatus)
	assert.Equal(t, subscriptiondomain.PaymentStatusSucceeded, stored.PaymentStatus)
	require.NotNil(t, stored.ExternalSubscriptionID)
	assert.Equal(t, "sub_2", *stored.ExternalSubscriptionID)
	require.NotNil(t, stored.CurrentPeriodEnd)
	assert.True(t, stored.CurrentPeriodEnd.Equal(end))
}

func TestInvoicePaidKeepsTrialingStatus(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, strPtr("cus_1"), strPtr("sub_1"), subscriptiondomain.SubscriptionStatusTrialing, time.Minute)

	outcome, err := h.engine.Apply(ctx, &paymentdomain.WebhookEvent{
		Provider:       "stripe",
		Type:           paymentdomain.EventTypeInvoicePaid,
		SubscriptionID: "sub_1",
		OccurredAt:     baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeUnchanged, outcome.Result)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, h.reload(t, record.ID).SubscriptionStatus)
}

func TestCheckoutCompletedLinksWithoutStatusChange(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	record := h.insert(t, nil, nil, subscriptiondomain.SubscriptionStatusIncomplete, time.Minute)

	outcome, err := h.engine.Apply(ctx, &paymentdomain.WebhookEvent{
		Provider:          "stripe",
		Type:              paymentdomain.EventTypeCheckoutSessionCompleted,
		ObjectID:          "cs_1",
		ClientReferenceID: record.ID.String(),
		SubscriptionID:    "sub_3",
		CustomerID:        "cus_3",
		OccurredAt:        baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.MatchedByClientReference, outcome.MatchedBy)

	stored := h.reload(t, record.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncomplete, stored.SubscriptionStatus)
	require.NotNil(t, stored.ExternalSubscriptionID)
	assert.Equal(t, "sub_3", *stored.ExternalSubscriptionID)
	require.NotNil(t, stored.ExternalCustomerID)
	assert.Equal(t, "cus_3", *stored.ExternalCustomerID)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	h := newHarness(t, false)

	outcome, err := h.engine.Apply(context.Background(), &paymentdomain.WebhookEvent{Provider: "stripe", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Equal(t, reconciledomain.OutcomeIgnored, outcome.Result)
	assert.Zero(t, h.repo.updates)
}

func TestApplyRejectsNilEvent(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
