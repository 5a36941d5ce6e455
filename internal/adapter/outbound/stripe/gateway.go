package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/billing"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/port/outbound"
)

// Metadata keys set on Stripe customers, subscriptions and checkout sessions.
const (
	MetadataAccountID = "account_id"
	MetadataCredits   = "credits"
	MetadataOrderID   = "order_id"
	MetadataTier      = "tier"
)

// Config holds Stripe gateway configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Gateway verifies Stripe webhooks and opens billing portal sessions.
type Gateway struct {
	api           *client.API
	webhookSecret string
	plans         *billing.Config
	logger        *zap.Logger
}

// NewGateway creates a new Stripe gateway. backends may be nil to use the Stripe API.
func NewGateway(config *Config, backends *stripelib.Backends, plans *billing.Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		api:           client.New(config.SecretKey, backends),
		webhookSecret: config.WebhookSecret,
		plans:         plans,
		logger:        logger.Named("stripe"),
	}
}

// ParseWebhook verifies the signature and translates the event.
// Event types with no billing meaning keep their Stripe type and are ignored by the applier.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (*billing.Event, error) {
	if strings.TrimSpace(signature) == "" || g.webhookSecret == "" {
		return nil, billing.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}
	return g.translate(&event)
}

// CreatePortalSession opens a hosted billing portal session for a customer.
func (g *Gateway) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer: stripelib.String(customerRef),
	}
	if returnURL != "" {
		params.ReturnURL = stripelib.String(returnURL)
	}
	params.Context = ctx

	session, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return session.URL, nil
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	EndedAt            int64             `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type customerObject struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

func (g *Gateway) translate(event *stripelib.Event) (*billing.Event, error) {
	out := &billing.Event{
		ID:         event.ID,
		Type:       billing.EventType(event.Type),
		Sequence:   event.Created,
		OccurredAt: time.Unix(event.Created, 0),
		ReceivedAt: time.Now(),
	}
	if event.Data == nil {
		return out, nil
	}

	var err error
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.resumed", "customer.subscription.deleted":
		err = g.translateSubscription(event, out)
	case "checkout.session.completed":
		err = g.translateCheckout(event, out)
	case "customer.created":
		err = g.translateCustomer(event, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) translateSubscription(event *stripelib.Event, out *billing.Event) error {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: decode subscription: %v", billing.ErrInvalidEvent, err)
	}
	out.CustomerRef = sub.Customer
	out.AccountID = accountFromMetadata(sub.Metadata)

	start, end := sub.period()
	payload := &billing.SubscriptionPayload{
		SubscriptionID: sub.ID,
		PeriodStart:    start,
		PeriodEnd:      end,
	}

	switch {
	case event.Type == "customer.subscription.deleted" || isEndedStatus(sub.Status):
		if sub.EndedAt > 0 {
			payload.PeriodEnd = time.Unix(sub.EndedAt, 0)
		}
		out.Type = billing.EventSubscriptionCanceled
	case sub.CancelAtPeriodEnd:
		out.Type = billing.EventSubscriptionCanceled
	case sub.Status == "active" || sub.Status == "trialing":
		tier, ok := g.tierOf(&sub)
		if !ok {
			g.logger.Warn("subscription price has no plan tier",
				zap.String("event_id", event.ID),
				zap.String("subscription_id", sub.ID),
			)
			return nil
		}
		payload.Tier = tier
		if event.Type == "customer.subscription.created" {
			out.Type = billing.EventSubscriptionCreated
		} else {
			out.Type = billing.EventSubscriptionActive
		}
	default:
		// incomplete, past_due and paused leave the plan as it is.
		return nil
	}
	out.Subscription = payload
	return nil
}

func (g *Gateway) translateCheckout(event *stripelib.Event, out *billing.Event) error {
	var session checkoutSessionObject
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: decode checkout session: %v", billing.ErrInvalidEvent, err)
	}
	if session.Mode != "payment" || session.PaymentStatus != "paid" {
		return nil
	}
	amount, err := strconv.ParseInt(session.Metadata[MetadataCredits], 10, 64)
	if err != nil || amount <= 0 {
		return nil
	}

	out.CustomerRef = session.Customer
	out.AccountID = accountFromMetadata(session.Metadata)
	if out.AccountID == uuid.Nil {
		out.AccountID, _ = uuid.Parse(session.ClientReferenceID)
	}
	orderID := session.Metadata[MetadataOrderID]
	if orderID == "" {
		orderID = session.ID
	}
	out.Type = billing.EventOrderPaid
	out.Order = &billing.OrderPayload{OrderID: orderID, Credits: amount}
	return nil
}

func (g *Gateway) translateCustomer(event *stripelib.Event, out *billing.Event) error {
	var customer customerObject
	if err := json.Unmarshal(event.Data.Raw, &customer); err != nil {
		return fmt.Errorf("%w: decode customer: %v", billing.ErrInvalidEvent, err)
	}
	out.CustomerRef = customer.ID
	out.AccountID = accountFromMetadata(customer.Metadata)
	out.Customer = &billing.CustomerPayload{Email: customer.Email}
	return nil
}

func (g *Gateway) tierOf(sub *subscriptionObject) (credits.PlanTier, bool) {
	candidates := []string{sub.Metadata[MetadataTier]}
	for _, item := range sub.Items.Data {
		if tier, ok := g.plans.TierForPrice(item.Price.ID); ok {
			candidates = append(candidates, tier)
		}
		candidates = append(candidates, item.Price.Metadata[MetadataTier])
	}
	for _, c := range candidates {
		if tier, err := credits.ParsePlanTier(c); err == nil && tier != credits.PlanFree {
			return tier, true
		}
	}
	return "", false
}

func (s *subscriptionObject) period() (time.Time, time.Time) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if start == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	var startAt, endAt time.Time
	if start > 0 {
		startAt = time.Unix(start, 0)
	}
	if end > 0 {
		endAt = time.Unix(end, 0)
	}
	return startAt, endAt
}

func isEndedStatus(status string) bool {
	return status == "canceled" || status == "unpaid" || status == "incomplete_expired"
}

func accountFromMetadata(metadata map[string]string) uuid.UUID {
	id, err := uuid.Parse(metadata[MetadataAccountID])
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Compile-time check
var _ outbound.BillingPortalPort = (*Gateway)(nil)
