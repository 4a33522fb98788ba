package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/subreconcile/pkg/db/pagination"
)

var (
	ErrRecordNotFound      = errors.New("subscription_record_not_found")
	ErrRemoteActionFailed  = errors.New("remote_action_failed")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidRecordID     = errors.New("invalid_record_id")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidPlanType     = errors.New("invalid_plan_type")
	ErrLinkConflict        = errors.New("external_subscription_already_linked")
	ErrRecordActive        = errors.New("subscription_record_active")
	ErrProcessorNotEnabled = errors.New("processor_not_configured")
)

type InitiateCheckoutRequest struct {
	UserID   string `json:"-"`
	PriceID  string `json:"price_id"`
	PlanType string `json:"plan_type"`
	Email    string `json:"email,omitempty"`
}

type InitiateCheckoutResponse struct {
	Record      *SubscriptionRecord `json:"subscription"`
	CheckoutURL string              `json:"checkout_url"`
}

type ListRequest struct {
	UserID    string
	PageToken string
	PageSize  int32
}

type ListResponse struct {
	pagination.PageInfo
	Subscriptions []*SubscriptionRecord `json:"subscriptions"`
}

type CancelReason string

const (
	CancelReasonUserRequested CancelReason = "user_requested"
	CancelReasonPaymentFailed CancelReason = "payment_failed"
	CancelReasonProcessor     CancelReason = "processor"
)

// Service is the user-facing side of the subscription record lifecycle.
type Service interface {
	InitiateCheckout(ctx context.Context, req InitiateCheckoutRequest) (InitiateCheckoutResponse, error)
	Get(ctx context.Context, userID, id string) (*SubscriptionRecord, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Cancel(ctx context.Context, userID, id string) (*SubscriptionRecord, error)
	RetryRemoteCancel(ctx context.Context, id string) error
	Delete(ctx context.Context, userID, id string) error
}
