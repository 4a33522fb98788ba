// Package stripe implements the processor port on top of stripe-go.
package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/subreconcile/internal/config"
	"github.com/smallbiznis/subreconcile/internal/observability/tracing"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Holder *config.ReconcileConfigHolder
	Log    *zap.Logger
}

// Client is a processordomain.Processor backed by the Stripe API.
type Client struct {
	api    *client.API
	holder *config.ReconcileConfigHolder
	log    *zap.Logger
	tracer trace.Tracer
}

// New builds the Stripe client from configuration.
func New(p Params) processordomain.Processor {
	retries := p.Holder.Get().Processor.MaxNetworkRetries
	backendConfig := &stripego.BackendConfig{
		MaxNetworkRetries: stripego.Int64(retries),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelError},
	}
	api := &client.API{}
	api.Init(p.Config.Stripe.SecretKey, &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, backendConfig),
		Connect: stripego.GetBackendWithConfig(stripego.ConnectBackend, backendConfig),
		Uploads: stripego.GetBackendWithConfig(stripego.UploadsBackend, backendConfig),
	})

	if strings.TrimSpace(p.Config.Stripe.SecretKey) == "" {
		p.Log.Warn("stripe secret key is empty; processor calls will be rejected")
	}
	return NewClient(api, p.Holder, p.Log)
}

// NewClient wraps an initialized stripe-go API client.
func NewClient(api *client.API, holder *config.ReconcileConfigHolder, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		api:    api,
		holder: holder,
		log:    log.Named("processor.stripe"),
		tracer: otel.Tracer("subreconcile/processor"),
	}
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*processordomain.Subscription, error) {
	var out *processordomain.Subscription
	err := c.call(ctx, "get_subscription", func(ctx context.Context) error {
		params := &stripego.SubscriptionParams{}
		params.Context = ctx
		sub, err := c.api.Subscriptions.Get(id, params)
		if err != nil {
			return err
		}
		out = toSubscription(sub)
		return nil
	})
	return out, err
}

func (c *Client) CancelSubscription(ctx context.Context, id string) (*processordomain.Subscription, error) {
	var out *processordomain.Subscription
	err := c.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		params := &stripego.SubscriptionParams{
			CancelAtPeriodEnd: stripego.Bool(true),
		}
		params.Context = ctx
		sub, err := c.api.Subscriptions.Update(id, params)
		if err != nil {
			return err
		}
		out = toSubscription(sub)
		return nil
	})
	return out, err
}

func (c *Client) ExpireCheckoutSession(ctx context.Context, id string) error {
	return c.call(ctx, "expire_checkout_session", func(ctx context.Context) error {
		params := &stripego.CheckoutSessionExpireParams{}
		params.Context = ctx
		_, err := c.api.CheckoutSessions.Expire(id, params)
		return err
	})
}

func (c *Client) GetLatestInvoice(ctx context.Context, subscriptionID string) (*processordomain.Invoice, error) {
	var out *processordomain.Invoice
	err := c.call(ctx, "get_latest_invoice", func(ctx context.Context) error {
		params := &stripego.InvoiceListParams{
			Subscription: stripego.String(subscriptionID),
		}
		params.Limit = stripego.Int64(1)
		params.Context = ctx

		iter := c.api.Invoices.List(params)
		if iter.Next() {
			out = toInvoice(iter.Invoice())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if out == nil {
			return processordomain.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (c *Client) CreateCheckoutSession(ctx context.Context, input processordomain.CreateCheckoutSessionInput) (*processordomain.CheckoutSession, error) {
	var out *processordomain.CheckoutSession
	err := c.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		params := &stripego.CheckoutSessionParams{
			Mode:              stripego.String(string(stripego.CheckoutSessionModeSubscription)),
			Customer:          stripego.String(input.CustomerID),
			ClientReferenceID: stripego.String(input.RecordID),
			SuccessURL:        stripego.String(input.SuccessURL),
			CancelURL:         stripego.String(input.CancelURL),
			LineItems: []*stripego.CheckoutSessionLineItemParams{
				{
					Price:    stripego.String(input.PriceID),
					Quantity: stripego.Int64(1),
				},
			},
			SubscriptionData: &stripego.CheckoutSessionSubscriptionDataParams{
				Metadata: map[string]string{
					processordomain.MetadataRecordID: input.RecordID,
				},
			},
		}
		params.AddMetadata(processordomain.MetadataRecordID, input.RecordID)
		params.IdempotencyKey = stripego.String("checkout-" + input.RecordID)
		params.Context = ctx

		session, err := c.api.CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		out = &processordomain.CheckoutSession{ID: session.ID, URL: session.URL}
		return nil
	})
	return out, err
}

func (c *Client) CreateCustomer(ctx context.Context, input processordomain.CreateCustomerInput) (*processordomain.Customer, error) {
	var out *processordomain.Customer
	err := c.call(ctx, "create_customer", func(ctx context.Context) error {
		params := &stripego.CustomerParams{}
		if email := strings.TrimSpace(input.Email); email != "" {
			params.Email = stripego.String(email)
		}
		params.AddMetadata("user_id", input.UserID)
		params.Context = ctx

		cus, err := c.api.Customers.New(params)
		if err != nil {
			return err
		}
		out = &processordomain.Customer{ID: cus.ID, Email: cus.Email}
		return nil
	})
	return out, err
}

func (c *Client) GetPrice(ctx context.Context, id string) (*processordomain.Price, error) {
	var out *processordomain.Price
	err := c.call(ctx, "get_price", func(ctx context.Context) error {
		params := &stripego.PriceParams{}
		params.Context = ctx
		price, err := c.api.Prices.Get(id, params)
		if err != nil {
			return err
		}
		out = &processordomain.Price{
			ID:         price.ID,
			UnitAmount: price.UnitAmount,
			Currency:   string(price.Currency),
			Active:     price.Active,
		}
		if price.Recurring != nil {
			out.Interval = string(price.Recurring.Interval)
		}
		return nil
	})
	return out, err
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	timeout := c.holder.Get().Processor.Timeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "processor."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	err := mapError(fn(ctx))
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("processor.name", "stripe"),
		attribute.String("processor.operation", op),
		attribute.Int64("processor.duration_ms", time.Since(start).Milliseconds()),
	)...)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, op+" failed")
		c.log.Warn("processor call failed",
			zap.String("operation", op),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
	}
	return err
}

func toSubscription(sub *stripego.Subscription) *processordomain.Subscription {
	if sub == nil {
		return nil
	}
	out := &processordomain.Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         unixTime(sub.CanceledAt),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	return out
}

func toInvoice(inv *stripego.Invoice) *processordomain.Invoice {
	if inv == nil {
		return nil
	}
	out := &processordomain.Invoice{
		ID:          inv.ID,
		Status:      string(inv.Status),
		PeriodStart: unixTime(inv.PeriodStart),
		PeriodEnd:   unixTime(inv.PeriodEnd),
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0] != nil && inv.Lines.Data[0].Period != nil {
		out.LinePeriodStart = unixTime(inv.Lines.Data[0].Period.Start)
	}
	return out
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
