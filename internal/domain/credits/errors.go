package credits

import "errors"

// Domain errors for credits.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInvalidAmount        = errors.New("invalid credit amount")
	ErrInvalidReason        = errors.New("invalid ledger entry reason")
	ErrInvalidPlanTier      = errors.New("invalid plan tier")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExists    = errors.New("reservation already exists for task")
	ErrReservationFinalized = errors.New("reservation already finalized")
	ErrStalePlanChange      = errors.New("plan change is older than current plan state")
)
