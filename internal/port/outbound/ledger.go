package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
)

var (
	// ErrAccountNotFound is returned when a transaction targets a missing account.
	ErrAccountNotFound = errors.New("credit account not found")

	// ErrNegativeBalance is returned when an entry would drive a balance below zero.
	ErrNegativeBalance = errors.New("credit balance would become negative")

	// ErrDuplicateEntry is returned when an idempotency key or event id is reused.
	ErrDuplicateEntry = errors.New("duplicate ledger key")
)

// LedgerStorePort defines durable storage of credit accounts and their ledger.
type LedgerStorePort interface {
	// GetAccount returns the account, or nil if it does not exist.
	GetAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error)

	// CreateAccount inserts the account unless one with the same id exists.
	CreateAccount(ctx context.Context, account *model.CreditAccount) error

	// FindAccountByCustomerRef returns the account linked to a billing customer, or nil.
	FindAccountByCustomerRef(ctx context.Context, customerRef string) (*model.CreditAccount, error)

	// GetReservation returns the reservation for a task, or nil.
	GetReservation(ctx context.Context, taskID uuid.UUID) (*model.CreditReservation, error)

	// ListHeldReservations lists reservations still held that were created
	// before createdBefore, oldest first.
	ListHeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]*model.CreditReservation, error)

	// ListEntries lists the newest entries of an account first.
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*model.LedgerEntry, error)

	// ListAccountIDs lists every account id.
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	// InAccountTx runs fn with the account locked. Nothing fn wrote is kept
	// unless fn returns nil and the commit succeeds.
	InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(tx LedgerTx) error) error
}

// LedgerTx is the view of one locked account inside InAccountTx.
type LedgerTx interface {
	// Account returns the locked account. AppendEntry keeps its balance current.
	Account() *model.CreditAccount

	// AppendEntry stores the entry and applies its delta to the balance.
	// BalanceAfter is filled in by the store.
	AppendEntry(ctx context.Context, entry *model.LedgerEntry) error

	// FindEntryByKey returns the entry with the idempotency key, or nil.
	FindEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error)

	// SumEntries sums every entry delta of the account.
	SumEntries(ctx context.Context) (int64, error)

	// SaveAccount persists plan and billing fields. The balance is not written.
	SaveAccount(ctx context.Context, account *model.CreditAccount) error

	GetReservation(ctx context.Context, taskID uuid.UUID) (*model.CreditReservation, error)
	SaveReservation(ctx context.Context, reservation *model.CreditReservation) error

	// EventSeen reports whether a billing event id was already recorded.
	EventSeen(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, record *model.BillingEventRecord) error
}

// BillingEventLogPort records billing events that are not bound to an account.
type BillingEventLogPort interface {
	EventSeen(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, record *model.BillingEventRecord) error
}
