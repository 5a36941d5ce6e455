package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"go.uber.org/zap"
)

// BillingDomain applies billing events to accounts.
type BillingDomain interface {
	Apply(ctx context.Context, event *Event) (Outcome, error)
}

// Ledger is the part of the credit accountant the applier writes through.
type Ledger interface {
	OpenAccount(ctx context.Context, accountID uuid.UUID) (*credits.Account, error)
	FindAccountByCustomerRef(ctx context.Context, customerRef string) (*credits.Account, error)
	WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx *credits.AccountTx) error) error
}

// Metrics receives applier measurements.
type Metrics interface {
	RecordBillingEvent(eventType, outcome string)
}

// Applier applies verified billing events exactly once, in sequence order
// per account.
type Applier struct {
	ledger  Ledger
	events  outbound.BillingEventLogPort
	config  *Config
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewApplier creates a new applier. metrics may be nil.
func NewApplier(
	ledger Ledger,
	eventLog outbound.BillingEventLogPort,
	config *Config,
	metrics Metrics,
	logger *zap.Logger,
) *Applier {
	if config == nil {
		config = DefaultConfig()
	}
	return &Applier{
		ledger:  ledger,
		events:  eventLog,
		config:  config,
		metrics: metrics,
		logger:  logger.Named("billing-applier"),
		now:     time.Now,
	}
}

// Compile-time interface check
var _ BillingDomain = (*Applier)(nil)

// Apply applies one event. Events already seen are Duplicate, events of
// unknown type or older than the account's plan state are Ignored. A known
// event whose account cannot be resolved yet returns ErrAccountUnresolved
// and is not recorded, so the provider's redelivery applies it later.
func (a *Applier) Apply(ctx context.Context, event *Event) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = a.now()
	}

	outcome, detail, err := a.apply(ctx, event)
	if errors.Is(err, ErrAccountUnresolved) {
		a.logger.Warn("billing event deferred, account not resolved",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type.String()),
			zap.String("customer_ref", event.CustomerRef),
		)
		return "", err
	}
	if err != nil {
		a.logger.Error("apply billing event failed",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type.String()),
			zap.Error(err),
		)
		return "", err
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", event.Type.String()),
		zap.String("outcome", outcome.String()),
		zap.Int64("sequence", event.Sequence),
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	if outcome == OutcomeApplied {
		a.logger.Info("billing event applied", fields...)
	} else {
		a.logger.Warn("billing event absorbed", fields...)
	}
	if a.metrics != nil {
		a.metrics.RecordBillingEvent(event.Type.String(), outcome.String())
	}
	return outcome, nil
}

func (a *Applier) apply(ctx context.Context, event *Event) (Outcome, string, error) {
	seen, err := a.events.EventSeen(ctx, event.ID)
	if err != nil {
		return "", "", fmt.Errorf("check event seen: %w", err)
	}
	if seen {
		return OutcomeDuplicate, "", nil
	}

	if !event.Type.IsKnown() {
		return a.recordUnbound(ctx, event, "unknown event type")
	}

	accountID, err := a.resolveAccount(ctx, event)
	if err != nil {
		return "", "", err
	}
	if accountID == uuid.Nil {
		return "", "", ErrAccountUnresolved
	}
	if _, err := a.ledger.OpenAccount(ctx, accountID); err != nil {
		return "", "", fmt.Errorf("open account: %w", err)
	}

	var (
		outcome Outcome
		detail  string
	)
	err = a.ledger.WithAccount(ctx, accountID, func(tx *credits.AccountTx) error {
		seen, err := tx.EventSeen(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("check event seen: %w", err)
		}
		if seen {
			outcome = OutcomeDuplicate
			return nil
		}

		outcome, detail, err = a.applyLocked(ctx, tx, event)
		if err != nil {
			return err
		}
		return tx.RecordEvent(ctx, newRecord(event, outcome, detail))
	})
	if errors.Is(err, outbound.ErrDuplicateEntry) {
		return OutcomeDuplicate, "", nil
	}
	if err != nil {
		return "", "", err
	}
	return outcome, detail, nil
}

// applyLocked runs inside the account transaction.
func (a *Applier) applyLocked(ctx context.Context, tx *credits.AccountTx, event *Event) (Outcome, string, error) {
	account := tx.Account()
	now := tx.Now()

	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionActive:
		sub := event.Subscription
		account.AttachCustomer(event.CustomerRef, now)
		if err := account.ChangePlan(sub.Tier, event.Sequence, now); err != nil {
			return staleOutcome(err, account, event)
		}
		if err := tx.Save(ctx); err != nil {
			return "", "", err
		}
		if grant := a.config.GrantFor(sub.Tier.String()); grant > 0 {
			key := grantKey(sub, event)
			if _, _, err := tx.Credit(ctx, grant, credits.ReasonSubscriptionGrant, key); err != nil {
				return "", "", fmt.Errorf("subscription grant: %w", err)
			}
		}
		return OutcomeApplied, "plan " + sub.Tier.String(), nil

	case EventSubscriptionCanceled:
		account.AttachCustomer(event.CustomerRef, now)
		if err := account.ScheduleDowngrade(event.Subscription.PeriodEnd, event.Sequence, now); err != nil {
			return staleOutcome(err, account, event)
		}
		if err := tx.Save(ctx); err != nil {
			return "", "", err
		}
		if at := account.DowngradeAt(); at != nil {
			return OutcomeApplied, "downgrade at " + at.UTC().Format(time.RFC3339), nil
		}
		return OutcomeApplied, "downgraded", nil

	case EventOrderPaid:
		if account.AttachCustomer(event.CustomerRef, now) {
			if err := tx.Save(ctx); err != nil {
				return "", "", err
			}
		}
		_, created, err := tx.Credit(ctx, event.Order.Credits, credits.ReasonTopUp, "order:"+event.Order.OrderID)
		if err != nil {
			return "", "", fmt.Errorf("top up: %w", err)
		}
		if !created {
			return OutcomeDuplicate, "order already credited", nil
		}
		return OutcomeApplied, fmt.Sprintf("topup %d", event.Order.Credits), nil

	case EventCustomerCreated:
		if !account.AttachCustomer(event.CustomerRef, now) {
			return OutcomeIgnored, "customer already linked", nil
		}
		if err := tx.Save(ctx); err != nil {
			return "", "", err
		}
		return OutcomeApplied, "customer linked", nil
	}

	return OutcomeIgnored, "unknown event type", nil
}

func (a *Applier) resolveAccount(ctx context.Context, event *Event) (uuid.UUID, error) {
	if event.AccountID != uuid.Nil {
		return event.AccountID, nil
	}
	if event.CustomerRef == "" {
		return uuid.Nil, nil
	}
	account, err := a.ledger.FindAccountByCustomerRef(ctx, event.CustomerRef)
	if errors.Is(err, credits.ErrAccountNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return account.ID(), nil
}

// recordUnbound records an ignored event of a type the applier does not handle.
func (a *Applier) recordUnbound(ctx context.Context, event *Event, detail string) (Outcome, string, error) {
	err := a.events.RecordEvent(ctx, newRecord(event, OutcomeIgnored, detail))
	if errors.Is(err, outbound.ErrDuplicateEntry) {
		return OutcomeDuplicate, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("record event: %w", err)
	}
	return OutcomeIgnored, detail, nil
}

func staleOutcome(err error, account *credits.Account, event *Event) (Outcome, string, error) {
	if errors.Is(err, credits.ErrStalePlanChange) {
		return OutcomeIgnored, fmt.Sprintf("stale: sequence %d <= plan version %d", event.Sequence, account.PlanVersion()), nil
	}
	return "", "", err
}

// grantKey makes one grant per subscription billing period.
func grantKey(sub *SubscriptionPayload, event *Event) string {
	period := event.Sequence
	if !sub.PeriodStart.IsZero() {
		period = sub.PeriodStart.Unix()
	}
	id := sub.SubscriptionID
	if id == "" {
		id = event.ID
	}
	return fmt.Sprintf("grant:%s:%d", id, period)
}

func newRecord(event *Event, outcome Outcome, detail string) *model.BillingEventRecord {
	rec := &model.BillingEventRecord{
		EventID:    event.ID,
		Type:       event.Type.String(),
		Outcome:    outcome.String(),
		Detail:     detail,
		Sequence:   event.Sequence,
		OccurredAt: event.OccurredAt,
		ReceivedAt: event.ReceivedAt,
	}
	if event.AccountID != uuid.Nil {
		id := event.AccountID
		rec.AccountID = &id
	}
	return rec
}
