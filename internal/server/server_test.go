package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/subreconcile/internal/audit/domain"
	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePaymentService struct {
	provider string
	payload  []byte
	err      error
}

func (f *fakePaymentService) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	f.provider = provider
	f.payload = payload
	return f.err
}

func (f *fakePaymentService) Replay(ctx context.Context, provider string, payload []byte) error {
	return nil
}

type fakeSubscriptionService struct {
	userID   string
	id       string
	checkout subscriptiondomain.InitiateCheckoutRequest
	list     subscriptiondomain.ListRequest
	record   *subscriptiondomain.SubscriptionRecord
	err      error
}

func (f *fakeSubscriptionService) InitiateCheckout(ctx context.Context, req subscriptiondomain.InitiateCheckoutRequest) (subscriptiondomain.InitiateCheckoutResponse, error) {
	f.checkout = req
	if f.err != nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, f.err
	}
	return subscriptiondomain.InitiateCheckoutResponse{Record: f.record, CheckoutURL: "https://checkout.test/cs_1"}, nil
}

func (f *fakeSubscriptionService) Get(ctx context.Context, userID, id string) (*subscriptiondomain.SubscriptionRecord, error) {
	f.userID, f.id = userID, id
	return f.record, f.err
}

func (f *fakeSubscriptionService) List(ctx context.Context, req subscriptiondomain.ListRequest) (subscriptiondomain.ListResponse, error) {
	f.list = req
	if f.err != nil {
		return subscriptiondomain.ListResponse{}, f.err
	}
	return subscriptiondomain.ListResponse{
		PageInfo:      pagination.PageInfo{HasMore: true, NextPageToken: "next"},
		Subscriptions: []*subscriptiondomain.SubscriptionRecord{f.record},
	}, nil
}

func (f *fakeSubscriptionService) Cancel(ctx context.Context, userID, id string) (*subscriptiondomain.SubscriptionRecord, error) {
	f.userID, f.id = userID, id
	return f.record, f.err
}

func (f *fakeSubscriptionService) RetryRemoteCancel(ctx context.Context, id string) error {
	return nil
}

func (f *fakeSubscriptionService) Delete(ctx context.Context, userID, id string) error {
	f.userID, f.id = userID, id
	return f.err
}

func newTestServer(payments *fakePaymentService, subscriptions *fakeSubscriptionService) *Server {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CorrelationID())
	engine.Use(ErrorHandlingMiddleware())
	return NewServer(ServerParams{
		Gin:             engine,
		Log:             zap.NewNop(),
		PaymentSvc:      payments,
		SubscriptionSvc: subscriptions,
	})
}

func doRequest(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestWebhookAcknowledgesVerifiedEvents(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"processed", nil, http.StatusOK},
		{"duplicate", paymentdomain.ErrEventAlreadyProcessed, http.StatusOK},
		{"bad signature", paymentdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{"unknown provider", paymentdomain.ErrProviderNotFound, http.StatusNotFound},
		{"missing secret", paymentdomain.ErrInvalidConfig, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &fakePaymentService{err: tt.err}
			s := newTestServer(payments, &fakeSubscriptionService{})

			rec := doRequest(s, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "stripe", payments.provider)
			assert.Equal(t, body, payments.payload, "body reaches verification byte for byte")
			if tt.wantStatus == http.StatusOK {
				assert.JSONEq(t, `{"received":true}`, rec.Body.String())
			}
		})
	}
}

func TestWebhookErrorsDoNotLeakDetail(t *testing.T) {
	s := newTestServer(&fakePaymentService{err: fmt.Errorf("db down at 10.0.0.3")}, &fakeSubscriptionService{})

	rec := doRequest(s, http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}

func TestAPIRequiresUser(t *testing.T) {
	s := newTestServer(&fakePaymentService{}, &fakeSubscriptionService{})

	rec := doRequest(s, http.MethodGet, "/api/subscriptions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestCancelSubscriptionMapsErrors(t *testing.T) {
	record := &subscriptiondomain.SubscriptionRecord{ID: snowflake.ID(42), UserID: "user_1"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"not found", subscriptiondomain.ErrRecordNotFound, http.StatusNotFound, "not_found"},
		{"remote failure", fmt.Errorf("%w: boom", subscriptiondomain.ErrRemoteActionFailed), http.StatusBadRequest, "remote_action_failed"},
		{"bad id", subscriptiondomain.ErrInvalidRecordID, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &fakeSubscriptionService{record: record, err: tt.err}
			s := newTestServer(&fakePaymentService{}, subs)

			rec := doRequest(s, http.MethodPost, "/api/subscriptions/42/cancel", nil, map[string]string{HeaderUserID: "user_1"})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "user_1", subs.userID)
			assert.Equal(t, "42", subs.id)
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, decodeError(t, rec).Type)
			}
		})
	}
}

func TestCreateCheckout(t *testing.T) {
	subs := &fakeSubscriptionService{record: &subscriptiondomain.SubscriptionRecord{ID: snowflake.ID(7)}}
	s := newTestServer(&fakePaymentService{}, subs)

	rec := doRequest(s, http.MethodPost, "/api/subscriptions",
		[]byte(`{"price_id":" price_1 ","plan_type":"monthly"}`),
		map[string]string{HeaderUserID: "user_1", "Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user_1", subs.checkout.UserID)
	assert.Equal(t, "price_1", subs.checkout.PriceID)
	assert.Contains(t, rec.Body.String(), "https://checkout.test/cs_1")

	rec = doRequest(s, http.MethodPost, "/api/subscriptions", []byte(`not json`),
		map[string]string{HeaderUserID: "user_1", "Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSubscriptions(t *testing.T) {
	subs := &fakeSubscriptionService{record: &subscriptiondomain.SubscriptionRecord{ID: snowflake.ID(7)}}
	s := newTestServer(&fakePaymentService{}, subs)

	rec := doRequest(s, http.MethodGet, "/api/subscriptions?page_size=500&page_token=abc", nil, map[string]string{HeaderUserID: "user_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(maxListPageSize), subs.list.PageSize)
	assert.Equal(t, "abc", subs.list.PageToken)
	assert.Contains(t, rec.Body.String(), `"next_page_token":"next"`)

	rec = doRequest(s, http.MethodGet, "/api/subscriptions?page_size=-1", nil, map[string]string{HeaderUserID: "user_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSubscription(t *testing.T) {
	subs := &fakeSubscriptionService{}
	s := newTestServer(&fakePaymentService{}, subs)

	rec := doRequest(s, http.MethodDelete, "/api/subscriptions/42", nil, map[string]string{HeaderUserID: "user_1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "42", subs.id)
}

func TestDeleteSubscriptionRefusesActiveRecord(t *testing.T) {
	subs := &fakeSubscriptionService{err: subscriptiondomain.ErrRecordActive}
	s := newTestServer(&fakePaymentService{}, subs)

	rec := doRequest(s, http.MethodDelete, "/api/subscriptions/42", nil, map[string]string{HeaderUserID: "user_1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"conflict"`)
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	s := newTestServer(&fakePaymentService{}, &fakeSubscriptionService{})

	rec := doRequest(s, http.MethodGet, "/api/subscriptions/42", nil, map[string]string{
		HeaderUserID:        "user_1",
		HeaderCorrelationID: "corr-1",
	})
	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))

	rec = doRequest(s, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

type fakeAuditService struct {
	req auditdomain.ListAuditLogRequest
}

func (f *fakeAuditService) AuditLog(ctx context.Context, actorType auditdomain.ActorType, actorID string, action string, targetType string, targetID string, metadata map[string]any) error {
	return nil
}

func (f *fakeAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	f.req = req
	return auditdomain.ListAuditLogResponse{AuditLogs: []auditdomain.AuditLog{{Action: "subscription.cancel"}}}, nil
}

func TestListSubscriptionAuditLogsChecksOwnership(t *testing.T) {
	subs := &fakeSubscriptionService{record: &subscriptiondomain.SubscriptionRecord{ID: snowflake.ID(42), UserID: "user_1"}}
	audit := &fakeAuditService{}
	s := newTestServer(&fakePaymentService{}, subs)
	s.auditSvc = audit

	rec := doRequest(s, http.MethodGet, "/api/subscriptions/42/audit?action=subscription.cancel", nil, map[string]string{HeaderUserID: "user_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", audit.req.TargetID)
	assert.Equal(t, "subscription.cancel", audit.req.Action)
	assert.Contains(t, rec.Body.String(), "subscription.cancel")

	subs.err = subscriptiondomain.ErrRecordNotFound
	rec = doRequest(s, http.MethodGet, "/api/subscriptions/42/audit", nil, map[string]string{HeaderUserID: "user_2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
