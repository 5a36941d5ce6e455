package credits

import (
	"fmt"
	"time"
)

// PlanTier is the subscription tier of an account.
type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanPro       PlanTier = "pro"
	PlanUnlimited PlanTier = "unlimited"
)

// String returns the string representation of the tier.
func (t PlanTier) String() string {
	return string(t)
}

// IsValid checks if the tier is known.
func (t PlanTier) IsValid() bool {
	switch t {
	case PlanFree, PlanPro, PlanUnlimited:
		return true
	}
	return false
}

// ParsePlanTier parses a tier name.
func ParsePlanTier(s string) (PlanTier, error) {
	t := PlanTier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlanTier, s)
	}
	return t, nil
}

// Plan is the effective plan of an account at a point in time.
type Plan struct {
	Tier        PlanTier
	IsUnlimited bool
}

// ResolvePlan derives the effective plan from the stored account state.
// Accounts without a billing customer are free. A scheduled downgrade
// takes effect once its time has passed.
func ResolvePlan(a *Account, now time.Time) Plan {
	if a == nil || a.BillingCustomerRef() == "" {
		return Plan{Tier: PlanFree}
	}
	tier := a.PlanTier()
	if at := a.DowngradeAt(); at != nil && !now.Before(*at) {
		tier = PlanFree
	}
	if !tier.IsValid() {
		tier = PlanFree
	}
	return Plan{
		Tier:        tier,
		IsUnlimited: tier == PlanUnlimited,
	}
}
