package model

import (
	"time"

	"github.com/google/uuid"
)

// CreditAccount is the persisted per-user credit account.
// CreditBalance is only ever changed together with a LedgerEntry insert.
type CreditAccount struct {
	ID                 uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	PlanTier           string     `json:"plan_tier" gorm:"not null;default:free"`
	CreditBalance      int64      `json:"credit_balance" gorm:"not null;default:0;check:chk_credit_accounts_balance,credit_balance >= 0"`
	BillingCustomerRef *string    `json:"billing_customer_ref,omitempty" gorm:"uniqueIndex"`
	PlanVersion        int64      `json:"plan_version" gorm:"not null;default:0"`
	DowngradeAt        *time.Time `json:"downgrade_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the table name for CreditAccount.
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// Clone returns a deep copy of the account.
func (a *CreditAccount) Clone() *CreditAccount {
	if a == nil {
		return nil
	}
	out := *a
	if a.BillingCustomerRef != nil {
		ref := *a.BillingCustomerRef
		out.BillingCustomerRef = &ref
	}
	if a.DowngradeAt != nil {
		at := *a.DowngradeAt
		out.DowngradeAt = &at
	}
	return &out
}

// LedgerEntry is an immutable balance change record.
type LedgerEntry struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	AccountID      uuid.UUID  `json:"account_id" gorm:"type:uuid;not null;index:idx_ledger_entries_account_created"`
	Delta          int64      `json:"delta" gorm:"not null"`
	Reason         string     `json:"reason" gorm:"not null"`
	RelatedTaskID  *uuid.UUID `json:"related_task_id,omitempty" gorm:"type:uuid;index"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" gorm:"uniqueIndex"`
	BalanceAfter   int64      `json:"balance_after" gorm:"not null"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index:idx_ledger_entries_account_created"`
}

// TableName returns the table name for LedgerEntry.
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// CreditReservation tracks the credits held for one generation task.
type CreditReservation struct {
	TaskID    uuid.UUID `json:"task_id" gorm:"type:uuid;primaryKey"`
	AccountID uuid.UUID `json:"account_id" gorm:"type:uuid;not null;index"`
	Amount    int64     `json:"amount" gorm:"not null"`
	Status    string    `json:"status" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for CreditReservation.
func (CreditReservation) TableName() string {
	return "credit_reservations"
}

// CreditsSnapshot is the cached read view served by the credits API.
type CreditsSnapshot struct {
	Credits     int64  `json:"credits"`
	Plan        string `json:"plan"`
	IsUnlimited bool   `json:"is_unlimited"`
}
