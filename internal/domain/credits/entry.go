package credits

import (
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
)

// EntryReason explains a ledger entry.
type EntryReason string

const (
	ReasonReservation       EntryReason = "reservation"
	ReasonCommit            EntryReason = "commit"
	ReasonRefund            EntryReason = "refund"
	ReasonTopUp             EntryReason = "topup"
	ReasonSubscriptionGrant EntryReason = "subscription_grant"
)

// String returns the string representation of the reason.
func (r EntryReason) String() string {
	return string(r)
}

// IsCredit reports whether the reason adds credits from outside the system.
func (r EntryReason) IsCredit() bool {
	return r == ReasonTopUp || r == ReasonSubscriptionGrant
}

// LedgerEntry is an immutable record of a balance change.
type LedgerEntry struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	Delta          int64       `json:"delta"`
	Reason         EntryReason `json:"reason"`
	RelatedTaskID  *uuid.UUID  `json:"related_task_id,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	BalanceAfter   int64       `json:"balance_after"`
	CreatedAt      time.Time   `json:"created_at"`
}

func newEntryModel(accountID uuid.UUID, delta int64, reason EntryReason, taskID *uuid.UUID, key string, now time.Time) *model.LedgerEntry {
	m := &model.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason.String(),
		CreatedAt: now,
	}
	if taskID != nil {
		id := *taskID
		m.RelatedTaskID = &id
	}
	if key != "" {
		k := key
		m.IdempotencyKey = &k
	}
	return m
}

func entryFromModel(m *model.LedgerEntry) *LedgerEntry {
	if m == nil {
		return nil
	}
	e := &LedgerEntry{
		ID:           m.ID,
		AccountID:    m.AccountID,
		Delta:        m.Delta,
		Reason:       EntryReason(m.Reason),
		BalanceAfter: m.BalanceAfter,
		CreatedAt:    m.CreatedAt,
	}
	if m.RelatedTaskID != nil {
		id := *m.RelatedTaskID
		e.RelatedTaskID = &id
	}
	if m.IdempotencyKey != nil {
		e.IdempotencyKey = *m.IdempotencyKey
	}
	return e
}

// ReservationStatus is the settlement state of a task reservation.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationRefunded  ReservationStatus = "refunded"
)

// IsFinal reports whether the reservation was committed or refunded.
func (s ReservationStatus) IsFinal() bool {
	return s == ReservationCommitted || s == ReservationRefunded
}

func reservationKey(taskID uuid.UUID) string { return "reserve:" + taskID.String() }
func commitKey(taskID uuid.UUID) string      { return "commit:" + taskID.String() }
func refundKey(taskID uuid.UUID) string      { return "refund:" + taskID.String() }
