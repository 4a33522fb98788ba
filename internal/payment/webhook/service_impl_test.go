package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/payment/adapters"
	stripeadapter "github.com/smallbiznis/subreconcile/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	"github.com/smallbiznis/subreconcile/internal/payment/repository"
	reconciledomain "github.com/smallbiznis/subreconcile/internal/reconcile/domain"
	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	"github.com/smallbiznis/subreconcile/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type fakeEngine struct {
	calls []*paymentdomain.WebhookEvent
	err   error
}

func (f *fakeEngine) Apply(ctx context.Context, event *paymentdomain.WebhookEvent) (reconciledomain.Outcome, error) {
	f.calls = append(f.calls, event)
	if f.err != nil {
		return reconciledomain.Outcome{}, f.err
	}
	return reconciledomain.Outcome{EventType: event.Type, Result: reconciledomain.OutcomeApplied}, nil
}

type fixture struct {
	db     *gorm.DB
	engine *fakeEngine
	queue  *retryqueue.MemoryQueue
	svc    *Service
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Now().UTC())
	queue := retryqueue.NewMemoryQueue()
	holder := config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig())
	worker := retryqueue.NewWorker(queue, nil, holder, clk, zap.NewNop(), nil, nil)

	var cfg config.Config
	cfg.Stripe.WebhookSecret = secret
	cfg.Stripe.WebhookTolerance = 5 * time.Minute

	f := &fixture{db: dbtest.Open(t), engine: &fakeEngine{}, queue: queue}
	f.svc = New(Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		GenID:    node,
		Cfg:      cfg,
		Repo:     repository.Provide(),
		Adapters: adapters.NewRegistry(stripeadapter.NewFactory()),
		Engine:   f.engine,
		Clock:    clk,
		Retry:    worker,
	})
	RegisterRetryHandler(worker, f.svc)
	return f
}

func signedHeaders(secret string, payload []byte) http.Header {
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func subscriptionPayload(eventID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"customer.subscription.updated","created":1767225600,`+
		`"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active"}}}`, eventID))
}

type webhookRow struct {
	ProcessedAt *time.Time
	LastError   *string
}

func loadRow(t *testing.T, db *gorm.DB, eventID string) webhookRow {
	t.Helper()
	var row webhookRow
	require.NoError(t, db.Raw(
		`SELECT processed_at, last_error FROM webhook_events WHERE provider = 'stripe' AND provider_event_id = ?`,
		eventID,
	).Scan(&row).Error)
	return row
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM webhook_events`).Scan(&count).Error)
	return count
}

func TestIngestRejectsBadSignatureWithoutSideEffects(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := subscriptionPayload("evt_1")

	err := f.svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders("whsec_other", payload))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = f.svc.IngestWebhook(context.Background(), "stripe", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	assert.Empty(t, f.engine.calls)
	assert.Zero(t, countRows(t, f.db))
}

func TestIngestAppliesAndDedupes(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	payload := subscriptionPayload("evt_1")

	require.NoError(t, f.svc.IngestWebhook(ctx, "Stripe", payload, signedHeaders(testSecret, payload)))
	require.Len(t, f.engine.calls, 1)
	assert.Equal(t, "sub_1", f.engine.calls[0].SubscriptionID)
	assert.NotNil(t, loadRow(t, f.db, "evt_1").ProcessedAt)

	err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(testSecret, payload))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)
	assert.Len(t, f.engine.calls, 1)
	assert.Equal(t, int64(1), countRows(t, f.db))
}

func TestIngestQueuesRetryWhenReconcileFails(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	payload := subscriptionPayload("evt_2")
	f.engine.err = errors.New("database is locked")

	require.NoError(t, f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(testSecret, payload)))

	row := loadRow(t, f.db, "evt_2")
	assert.Nil(t, row.ProcessedAt)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "database is locked", *row.LastError)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, retryqueue.KindWebhookEvent, pending[0].Kind)
	assert.Equal(t, "stripe", pending[0].Provider)
	assert.Equal(t, payload, pending[0].Payload)

	f.engine.err = nil
	require.NoError(t, f.svc.Replay(ctx, pending[0].Provider, pending[0].Payload))
	assert.NotNil(t, loadRow(t, f.db, "evt_2").ProcessedAt)
	assert.Len(t, f.engine.calls, 2)

	require.NoError(t, f.svc.Replay(ctx, "stripe", payload), "replaying a processed event is a no-op")
	assert.Len(t, f.engine.calls, 2)
}

func TestIngestAcknowledgesUnparsablePayload(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := []byte(`{"type":"customer.subscription.updated"}`)

	require.NoError(t, f.svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(testSecret, payload)))
	assert.Empty(t, f.engine.calls)
	assert.Empty(t, f.queue.Pending())
}

func TestIngestRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := subscriptionPayload("evt_3")

	assert.ErrorIs(t, f.svc.IngestWebhook(context.Background(), "", payload, nil), paymentdomain.ErrInvalidProvider)
	assert.ErrorIs(t, f.svc.IngestWebhook(context.Background(), "paypal", payload, nil), paymentdomain.ErrProviderNotFound)
}

func TestIngestRequiresWebhookSecret(t *testing.T) {
	f := newFixture(t, "")
	payload := subscriptionPayload("evt_4")

	err := f.svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(testSecret, payload))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
	assert.Empty(t, f.engine.calls)
}
