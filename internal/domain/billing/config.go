package billing

// PlanConfig describes what a paid tier grants each billing period.
type PlanConfig struct {
	MonthlyCredits int64  `json:"monthly_credits" mapstructure:"monthly_credits"`
	PriceID        string `json:"price_id" mapstructure:"price_id"`
}

// Config contains billing configuration.
type Config struct {
	// Plans is keyed by plan tier.
	Plans           map[string]PlanConfig `json:"plans" mapstructure:"plans"`
	PortalReturnURL string                `json:"portal_return_url" mapstructure:"portal_return_url"`
}

// DefaultConfig returns the default billing configuration.
func DefaultConfig() *Config {
	return &Config{
		Plans: map[string]PlanConfig{
			"pro":       {MonthlyCredits: 500},
			"unlimited": {MonthlyCredits: 0},
		},
	}
}

// GrantFor returns the periodic credit grant of a tier.
func (c *Config) GrantFor(tier string) int64 {
	if c == nil {
		return 0
	}
	return c.Plans[tier].MonthlyCredits
}

// TierForPrice maps a billing provider price id to a plan tier.
func (c *Config) TierForPrice(priceID string) (string, bool) {
	if c == nil || priceID == "" {
		return "", false
	}
	for tier, plan := range c.Plans {
		if plan.PriceID == priceID {
			return tier, true
		}
	}
	return "", false
}
