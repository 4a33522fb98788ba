package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/subreconcile/internal/audit/domain"
	"github.com/smallbiznis/subreconcile/internal/clock"
	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	"github.com/smallbiznis/subreconcile/internal/retryqueue"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      subscriptiondomain.Repository
	processor processordomain.Processor
	retry     *retryqueue.Worker
	metrics   *obsmetrics.Metrics
	audit     auditdomain.Service

	successURL string
	cancelURL  string
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Repo      subscriptiondomain.Repository
	Processor processordomain.Processor
	Retry     *retryqueue.Worker  `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
	Audit     auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return New(p)
}

func New(p ServiceParam) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:     p.GenID,
		clock:     clk,
		repo:      p.Repo,
		processor: p.Processor,
		retry:     p.Retry,
		metrics:   p.Metrics,
		audit:     p.Audit,

		successURL: p.Cfg.Stripe.SuccessURL,
		cancelURL:  p.Cfg.Stripe.CancelURL,
	}
}

// InitiateCheckout creates an INCOMPLETE record and a processor checkout session that
// carries the record id, which later webhooks use to find the record.
func (s *Service) InitiateCheckout(ctx context.Context, req subscriptiondomain.InitiateCheckoutRequest) (subscriptiondomain.InitiateCheckoutResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrInvalidUser
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrInvalidPrice
	}
	planType := strings.TrimSpace(req.PlanType)
	if planType == "" {
		return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrInvalidPlanType
	}
	if s.processor == nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrProcessorNotEnabled
	}

	price, err := s.processor.GetPrice(ctx, priceID)
	if err != nil {
		if errors.Is(err, processordomain.ErrNotFound) {
			return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrInvalidPrice
		}
		return subscriptiondomain.InitiateCheckoutResponse{}, fmt.Errorf("%w: get price: %v", subscriptiondomain.ErrRemoteActionFailed, err)
	}
	if price == nil || !price.Active {
		return subscriptiondomain.InitiateCheckoutResponse{}, subscriptiondomain.ErrInvalidPrice
	}

	customerID, err := s.repo.FindCustomerIDByUser(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, err
	}
	if customerID == "" {
		customer, err := s.processor.CreateCustomer(ctx, processordomain.CreateCustomerInput{
			UserID: userID,
			Email:  strings.TrimSpace(req.Email),
		})
		if err != nil {
			return subscriptiondomain.InitiateCheckoutResponse{}, fmt.Errorf("%w: create customer: %v", subscriptiondomain.ErrRemoteActionFailed, err)
		}
		customerID = customer.ID
	}

	active, err := s.repo.FindLatestByUserAndStatus(ctx, s.db, userID, subscriptiondomain.SubscriptionStatusActive)
	if err != nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, err
	}

	now := s.clock.Now().UTC()
	status := subscriptiondomain.SubscriptionStatusIncomplete
	record := &subscriptiondomain.SubscriptionRecord{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		ExternalCustomerID: &customerID,
		ExternalPriceID:    &priceID,
		SubscriptionStatus: status,
		PaymentStatus:      subscriptiondomain.ToPaymentStatus(status),
		PlanType:           planType,
		Amount:             price.UnitAmount,
		Currency:           strings.ToLower(price.Currency),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if active != nil {
		parentID := active.ID
		record.ParentSubscriptionID = &parentID
	}
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, processordomain.CreateCheckoutSessionInput{
		CustomerID: customerID,
		PriceID:    priceID,
		RecordID:   record.ID.String(),
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
	})
	if err != nil {
		// Without a session nothing can ever link to the record.
		if _, delErr := s.repo.SoftDelete(ctx, s.db, record.ID, now); delErr != nil {
			s.log.Warn("failed to discard record without checkout session", zap.String("record_id", record.ID.String()), zap.Error(delErr))
		}
		return subscriptiondomain.InitiateCheckoutResponse{}, fmt.Errorf("%w: create checkout session: %v", subscriptiondomain.ErrRemoteActionFailed, err)
	}
	if err := s.repo.SetCheckoutSession(ctx, s.db, record.ID, session.ID, now); err != nil {
		return subscriptiondomain.InitiateCheckoutResponse{}, err
	}
	sessionID := session.ID
	record.ExternalCheckoutSessionID = &sessionID

	s.auditLog(ctx, userID, "subscription.checkout_initiated", record.ID, map[string]any{
		"price_id":    priceID,
		"plan_type":   planType,
		"amount":      record.Amount,
		"currency":    record.Currency,
		"email":       strings.TrimSpace(req.Email),
		"extension":   record.ParentSubscriptionID != nil,
		"checkout_id": session.ID,
	})
	s.log.Info("checkout initiated",
		zap.String("record_id", record.ID.String()),
		zap.String("user_id", userID),
		zap.Bool("extension", record.ParentSubscriptionID != nil),
	)
	return subscriptiondomain.InitiateCheckoutResponse{Record: record, CheckoutURL: session.URL}, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*subscriptiondomain.SubscriptionRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	recordID, err := s.parseID(id, subscriptiondomain.ErrInvalidRecordID)
	if err != nil {
		return nil, err
	}

	record, err := s.repo.FindByID(ctx, s.db, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.UserID != userID {
		return nil, subscriptiondomain.ErrRecordNotFound
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListRequest) (subscriptiondomain.ListResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return subscriptiondomain.ListResponse{}, subscriptiondomain.ErrInvalidUser
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return subscriptiondomain.ListResponse{}, subscriptiondomain.ErrInvalidRecordID
		}
		afterID, err = s.parseID(cursor.ID, subscriptiondomain.ErrInvalidRecordID)
		if err != nil {
			return subscriptiondomain.ListResponse{}, err
		}
	}

	items, err := s.repo.ListByUser(ctx, s.db, userID, afterID, int(pageSize)+1)
	if err != nil {
		return subscriptiondomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *subscriptiondomain.SubscriptionRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: item.ID.String(),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}
	if !pageInfo.HasMore {
		pageInfo.NextPageToken = ""
	}

	return subscriptiondomain.ListResponse{
		PageInfo:      *pageInfo,
		Subscriptions: items,
	}, nil
}

// Delete is the administrative soft delete. The row is kept for audit.
// Records the processor may still bill are refused; they must be cancelled first.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	record, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !record.Deletable() {
		return subscriptiondomain.ErrRecordActive
	}
	affected, err := s.repo.SoftDelete(ctx, s.db, record.ID, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if affected == 0 {
		return subscriptiondomain.ErrRecordNotFound
	}
	s.auditLog(ctx, record.UserID, "subscription.delete", record.ID, nil)
	s.log.Info("subscription record deleted", zap.String("record_id", record.ID.String()), zap.String("user_id", record.UserID))
	return nil
}

// auditLog is best effort; the audit trail never fails the user action.
func (s *Service) auditLog(ctx context.Context, userID, action string, recordID snowflake.ID, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.AuditLog(ctx, auditdomain.ActorTypeUser, userID, action, auditdomain.TargetTypeSubscriptionRecord, recordID.String(), metadata)
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
