package billing

import "errors"

// Domain errors for billing.
var (
	ErrInvalidEvent      = errors.New("invalid billing event")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrNoBillingCustomer = errors.New("account has no billing customer")

	// ErrAccountUnresolved means the event's account is not known yet. The
	// event is not recorded so a redelivery can apply it.
	ErrAccountUnresolved = errors.New("billing event account not resolved")
)
