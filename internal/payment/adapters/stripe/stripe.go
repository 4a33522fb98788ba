package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/subreconcile/internal/payment/domain"
	"github.com/stripe/stripe-go/v79/webhook"
)

const signatureHeader = "Stripe-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

// Verify checks the Stripe-Signature header against the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(signatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, a.webhookSecret, a.tolerance); err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.ID = strings.TrimSpace(event.ID)
	event.Type = strings.TrimSpace(event.Type)
	if event.ID == "" || event.Type == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.WebhookEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            event.Type,
		OccurredAt:      timestamp(event.Created),
		RawPayload:      payload,
	}

	var err error
	switch {
	case strings.HasPrefix(event.Type, "customer.subscription."):
		err = parseSubscription(event, out)
	case strings.HasPrefix(event.Type, "invoice."):
		err = parseInvoice(event, out)
	case strings.HasPrefix(event.Type, "payment_intent."):
		err = parsePaymentIntent(event, out)
	case strings.HasPrefix(event.Type, "checkout.session."):
		err = parseCheckoutSession(event, out)
	default:
		var object stripeObject
		_ = json.Unmarshal(event.Data.Object, &object)
		out.ObjectID = object.ID
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeObject struct {
	ID string `json:"id"`
}

type stripeSubscription struct {
	ID                 string         `json:"id"`
	Customer           flexibleID     `json:"customer"`
	Status             string         `json:"status"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end"`
	CanceledAt         int64          `json:"canceled_at"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
	Metadata           map[string]any `json:"metadata"`
}

type stripeInvoice struct {
	ID           string         `json:"id"`
	Customer     flexibleID     `json:"customer"`
	Subscription flexibleID     `json:"subscription"`
	PeriodStart  int64          `json:"period_start"`
	PeriodEnd    int64          `json:"period_end"`
	Metadata     map[string]any `json:"metadata"`
	Lines        struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripePaymentIntent struct {
	ID       string         `json:"id"`
	Customer flexibleID     `json:"customer"`
	Invoice  flexibleID     `json:"invoice"`
	Metadata map[string]any `json:"metadata"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	Customer          flexibleID     `json:"customer"`
	Subscription      flexibleID     `json:"subscription"`
	ClientReferenceID string         `json:"client_reference_id"`
	Metadata          map[string]any `json:"metadata"`
}

// flexibleID accepts either a bare id or an expanded object with an id.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(value))
		return nil
	}
	var object stripeObject
	if err := json.Unmarshal(data, &object); err != nil {
		return errors.New("invalid_expandable_id")
	}
	*f = flexibleID(strings.TrimSpace(object.ID))
	return nil
}

func parseSubscription(event stripeEvent, out *paymentdomain.WebhookEvent) error {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return paymentdomain.ErrInvalidEvent
	}
	cancelAtPeriodEnd := sub.CancelAtPeriodEnd

	out.ObjectID = sub.ID
	out.SubscriptionID = sub.ID
	out.CustomerID = string(sub.Customer)
	out.Status = strings.TrimSpace(sub.Status)
	out.CancelAtPeriodEnd = &cancelAtPeriodEnd
	out.CanceledAt = optionalTime(sub.CanceledAt)
	out.CurrentPeriodStart = optionalTime(sub.CurrentPeriodStart)
	out.CurrentPeriodEnd = optionalTime(sub.CurrentPeriodEnd)
	out.Metadata = stringMetadata(sub.Metadata)
	return nil
}

func parseInvoice(event stripeEvent, out *paymentdomain.WebhookEvent) error {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	out.ObjectID = invoice.ID
	out.SubscriptionID = string(invoice.Subscription)
	out.CustomerID = string(invoice.Customer)
	out.Metadata = stringMetadata(invoice.Metadata)

	start := invoice.PeriodStart
	end := invoice.PeriodEnd
	if len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period.Start > 0 {
		start = invoice.Lines.Data[0].Period.Start
		end = invoice.Lines.Data[0].Period.End
	}
	out.CurrentPeriodStart = optionalTime(start)
	out.CurrentPeriodEnd = optionalTime(end)
	return nil
}

func parsePaymentIntent(event stripeEvent, out *paymentdomain.WebhookEvent) error {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	out.ObjectID = intent.ID
	out.CustomerID = string(intent.Customer)
	out.Metadata = stringMetadata(intent.Metadata)
	out.SubscriptionID = out.MetadataValue("subscription_id")
	return nil
}

func parseCheckoutSession(event stripeEvent, out *paymentdomain.WebhookEvent) error {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	out.ObjectID = session.ID
	out.CustomerID = string(session.Customer)
	out.SubscriptionID = string(session.Subscription)
	out.ClientReferenceID = strings.TrimSpace(session.ClientReferenceID)
	out.Metadata = stringMetadata(session.Metadata)
	return nil
}

func timestamp(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func optionalTime(value int64) *time.Time {
	if value <= 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}

func stringMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for key := range metadata {
		if value := readMetadataValue(metadata, key); value != "" {
			out[key] = value
		}
	}
	return out
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
