package outbound

import "context"

// BillingPortalPort opens hosted customer portal sessions at the billing provider.
type BillingPortalPort interface {
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
}
