package credits

import (
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
)

// Account is the aggregate root for a user's credits and plan.
type Account struct {
	id                 uuid.UUID
	planTier           PlanTier
	creditBalance      int64
	billingCustomerRef string
	planVersion        int64
	downgradeAt        *time.Time
	createdAt          time.Time
	updatedAt          time.Time
}

// NewAccount creates an empty free account.
func NewAccount(id uuid.UUID, now time.Time) *Account {
	return &Account{
		id:        id,
		planTier:  PlanFree,
		createdAt: now,
		updatedAt: now,
	}
}

// RestoreAccount recreates an Account from persisted data.
func RestoreAccount(m *model.CreditAccount) *Account {
	if m == nil {
		return nil
	}
	a := &Account{
		id:            m.ID,
		planTier:      PlanTier(m.PlanTier),
		creditBalance: m.CreditBalance,
		planVersion:   m.PlanVersion,
		createdAt:     m.CreatedAt,
		updatedAt:     m.UpdatedAt,
	}
	if m.BillingCustomerRef != nil {
		a.billingCustomerRef = *m.BillingCustomerRef
	}
	if m.DowngradeAt != nil {
		at := *m.DowngradeAt
		a.downgradeAt = &at
	}
	return a
}

// ID returns the account ID.
func (a *Account) ID() uuid.UUID { return a.id }

// PlanTier returns the stored tier. Use ResolvePlan for the effective tier.
func (a *Account) PlanTier() PlanTier { return a.planTier }

// CreditBalance returns the cached balance.
func (a *Account) CreditBalance() int64 { return a.creditBalance }

// BillingCustomerRef returns the external customer id, or "".
func (a *Account) BillingCustomerRef() string { return a.billingCustomerRef }

// PlanVersion returns the sequence of the last applied plan change.
func (a *Account) PlanVersion() int64 { return a.planVersion }

// DowngradeAt returns the scheduled revert to free, if any.
func (a *Account) DowngradeAt() *time.Time { return a.downgradeAt }

// CreatedAt returns the creation time.
func (a *Account) CreatedAt() time.Time { return a.createdAt }

// UpdatedAt returns the last update time.
func (a *Account) UpdatedAt() time.Time { return a.updatedAt }

// AttachCustomer links the billing customer if none is linked yet.
// Returns false when a reference already exists.
func (a *Account) AttachCustomer(ref string, now time.Time) bool {
	if ref == "" || a.billingCustomerRef != "" {
		return false
	}
	a.billingCustomerRef = ref
	a.updatedAt = now
	return true
}

// ChangePlan moves the account to tier as of plan version.
// Changes with a version not newer than the current one are rejected.
func (a *Account) ChangePlan(tier PlanTier, version int64, now time.Time) error {
	if !tier.IsValid() {
		return ErrInvalidPlanTier
	}
	if version <= a.planVersion {
		return ErrStalePlanChange
	}
	a.planTier = tier
	a.planVersion = version
	a.downgradeAt = nil
	a.updatedAt = now
	return nil
}

// ScheduleDowngrade reverts the account to free at periodEnd.
// A zero or past periodEnd downgrades immediately.
func (a *Account) ScheduleDowngrade(periodEnd time.Time, version int64, now time.Time) error {
	if version <= a.planVersion {
		return ErrStalePlanChange
	}
	a.planVersion = version
	a.updatedAt = now
	if periodEnd.IsZero() || !periodEnd.After(now) {
		a.planTier = PlanFree
		a.downgradeAt = nil
		return nil
	}
	at := periodEnd
	a.downgradeAt = &at
	return nil
}

// toModel converts the aggregate to its persisted form.
func (a *Account) toModel() *model.CreditAccount {
	m := &model.CreditAccount{
		ID:            a.id,
		PlanTier:      a.planTier.String(),
		CreditBalance: a.creditBalance,
		PlanVersion:   a.planVersion,
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.updatedAt,
	}
	if a.billingCustomerRef != "" {
		ref := a.billingCustomerRef
		m.BillingCustomerRef = &ref
	}
	if a.downgradeAt != nil {
		at := *a.downgradeAt
		m.DowngradeAt = &at
	}
	return m
}
