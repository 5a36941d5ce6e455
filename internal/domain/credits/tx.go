package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

// AccountTx exposes domain operations on one locked account.
// It is only valid inside Accountant.WithAccount.
type AccountTx struct {
	tx      outbound.LedgerTx
	account *Account
	now     time.Time
}

func newAccountTx(tx outbound.LedgerTx, now time.Time) *AccountTx {
	return &AccountTx{
		tx:      tx,
		account: RestoreAccount(tx.Account()),
		now:     now,
	}
}

// Account returns the locked account.
func (t *AccountTx) Account() *Account { return t.account }

// Now returns the timestamp used for this transaction.
func (t *AccountTx) Now() time.Time { return t.now }

// Plan returns the effective plan of the locked account.
func (t *AccountTx) Plan() Plan { return ResolvePlan(t.account, t.now) }

// Credit adds amount to the balance. When key was already used the existing
// entry is returned and created is false.
func (t *AccountTx) Credit(ctx context.Context, amount int64, reason EntryReason, key string) (entry *LedgerEntry, created bool, err error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if !reason.IsCredit() {
		return nil, false, ErrInvalidReason
	}
	if key != "" {
		existing, err := t.tx.FindEntryByKey(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("find entry: %w", err)
		}
		if existing != nil {
			return entryFromModel(existing), false, nil
		}
	}
	entry, err = t.append(ctx, amount, reason, nil, key)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Save persists plan and billing changes made to the account.
func (t *AccountTx) Save(ctx context.Context) error {
	if err := t.tx.SaveAccount(ctx, t.account.toModel()); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// EventSeen reports whether the billing event id was recorded before.
func (t *AccountTx) EventSeen(ctx context.Context, eventID string) (bool, error) {
	return t.tx.EventSeen(ctx, eventID)
}

// RecordEvent stores a processed billing event in the same transaction.
func (t *AccountTx) RecordEvent(ctx context.Context, record *model.BillingEventRecord) error {
	id := t.account.ID()
	record.AccountID = &id
	return t.tx.RecordEvent(ctx, record)
}

func (t *AccountTx) append(ctx context.Context, delta int64, reason EntryReason, taskID *uuid.UUID, key string) (*LedgerEntry, error) {
	m := newEntryModel(t.account.ID(), delta, reason, taskID, key, t.now)
	if err := t.tx.AppendEntry(ctx, m); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", reason, err)
	}
	t.account.creditBalance = t.tx.Account().CreditBalance
	return entryFromModel(m), nil
}

func (t *AccountTx) reservation(ctx context.Context, taskID uuid.UUID) (*model.CreditReservation, error) {
	r, err := t.tx.GetReservation(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if r == nil {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

func (t *AccountTx) saveReservation(ctx context.Context, r *model.CreditReservation) error {
	r.UpdatedAt = t.now
	if err := t.tx.SaveReservation(ctx, r); err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}
