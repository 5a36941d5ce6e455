package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/domain/credits"
)

// EventType identifies a billing event.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionActive   EventType = "subscription.active"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventOrderPaid            EventType = "order.paid"
	EventCustomerCreated      EventType = "customer.created"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsKnown reports whether the applier understands the event type.
func (t EventType) IsKnown() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionActive, EventSubscriptionCanceled,
		EventOrderPaid, EventCustomerCreated:
		return true
	}
	return false
}

// IsPlanChange reports whether the event changes the plan of an account.
func (t EventType) IsPlanChange() bool {
	return t == EventSubscriptionCreated || t == EventSubscriptionActive || t == EventSubscriptionCanceled
}

// Outcome is the result of applying an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// SubscriptionPayload carries subscription lifecycle data.
type SubscriptionPayload struct {
	SubscriptionID string
	Tier           credits.PlanTier
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// OrderPayload carries a one-time credit pack purchase.
type OrderPayload struct {
	OrderID string
	Credits int64
}

// CustomerPayload carries a newly created billing customer.
type CustomerPayload struct {
	Email string
}

// Event is a verified billing event. Exactly one payload matches Type;
// unknown types carry none.
type Event struct {
	ID          string
	Type        EventType
	AccountID   uuid.UUID
	CustomerRef string
	Sequence    int64
	OccurredAt  time.Time
	ReceivedAt  time.Time

	Subscription *SubscriptionPayload
	Order        *OrderPayload
	Customer     *CustomerPayload
}

// Validate checks that the payload matches the event type.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	}

	switch e.Type {
	case EventSubscriptionCreated, EventSubscriptionActive:
		if e.Subscription == nil {
			return fmt.Errorf("%w: %s without subscription payload", ErrInvalidEvent, e.Type)
		}
		if !e.Subscription.Tier.IsValid() {
			return fmt.Errorf("%w: unknown plan tier %q", ErrInvalidEvent, e.Subscription.Tier)
		}
	case EventSubscriptionCanceled:
		if e.Subscription == nil {
			return fmt.Errorf("%w: %s without subscription payload", ErrInvalidEvent, e.Type)
		}
	case EventOrderPaid:
		if e.Order == nil {
			return fmt.Errorf("%w: %s without order payload", ErrInvalidEvent, e.Type)
		}
		if e.Order.OrderID == "" || e.Order.Credits <= 0 {
			return fmt.Errorf("%w: order needs an id and a positive credit amount", ErrInvalidEvent)
		}
	case EventCustomerCreated:
		if e.CustomerRef == "" {
			return fmt.Errorf("%w: %s without customer reference", ErrInvalidEvent, e.Type)
		}
	}

	if e.Type.IsPlanChange() && e.Sequence <= 0 {
		return fmt.Errorf("%w: %s without sequence", ErrInvalidEvent, e.Type)
	}
	return nil
}
