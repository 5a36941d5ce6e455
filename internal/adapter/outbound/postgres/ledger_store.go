package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ledgerStoreAdapter implements outbound.LedgerStorePort.
type ledgerStoreAdapter struct {
	db *gorm.DB
}

// NewLedgerStoreAdapter creates a new ledger store adapter.
func NewLedgerStoreAdapter(db *gorm.DB) outbound.LedgerStorePort {
	return &ledgerStoreAdapter{db: db}
}

func (a *ledgerStoreAdapter) GetAccount(ctx context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := a.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (a *ledgerStoreAdapter) CreateAccount(ctx context.Context, account *model.CreditAccount) error {
	row := account.Clone()
	row.CreditBalance = 0
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("create credit account: %w", err)
	}
	return nil
}

func (a *ledgerStoreAdapter) FindAccountByCustomerRef(ctx context.Context, customerRef string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := a.db.WithContext(ctx).First(&account, "billing_customer_ref = ?", customerRef).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (a *ledgerStoreAdapter) GetReservation(ctx context.Context, taskID uuid.UUID) (*model.CreditReservation, error) {
	return getReservation(ctx, a.db, taskID)
}

func (a *ledgerStoreAdapter) ListHeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]*model.CreditReservation, error) {
	var reservations []*model.CreditReservation
	query := a.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", "held", createdBefore).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&reservations).Error; err != nil {
		return nil, fmt.Errorf("list held reservations: %w", err)
	}
	return reservations, nil
}

func (a *ledgerStoreAdapter) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	query := a.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

func (a *ledgerStoreAdapter) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := a.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	return ids, nil
}

// InAccountTx locks the account row with SELECT ... FOR UPDATE for the
// lifetime of the transaction.
func (a *ledgerStoreAdapter) InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(tx outbound.LedgerTx) error) error {
	err := a.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var account model.CreditAccount
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&account, "id = ?", accountID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return outbound.ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}
		return fn(&ledgerTx{db: db, account: &account})
	})
	return translateError(err)
}

// ledgerTx implements outbound.LedgerTx on an open gorm transaction.
type ledgerTx struct {
	db      *gorm.DB
	account *model.CreditAccount
}

func (t *ledgerTx) Account() *model.CreditAccount { return t.account }

func (t *ledgerTx) AppendEntry(ctx context.Context, entry *model.LedgerEntry) error {
	balance := t.account.CreditBalance + entry.Delta
	if balance < 0 {
		return outbound.ErrNegativeBalance
	}
	entry.BalanceAfter = balance

	if err := t.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert ledger entry: %w", translateError(err))
	}

	if entry.Delta != 0 {
		res := t.db.WithContext(ctx).
			Model(&model.CreditAccount{}).
			Where("id = ?", t.account.ID).
			Updates(map[string]interface{}{
				"credit_balance": gorm.Expr("credit_balance + ?", entry.Delta),
				"updated_at":     entry.CreatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return outbound.ErrAccountNotFound
		}
	}

	t.account.CreditBalance = balance
	return nil
}

func (t *ledgerTx) FindEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := t.db.WithContext(ctx).First(&entry, "idempotency_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (t *ledgerTx) SumEntries(ctx context.Context) (int64, error) {
	var sum int64
	err := t.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("account_id = ?", t.account.ID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return sum, nil
}

func (t *ledgerTx) SaveAccount(ctx context.Context, account *model.CreditAccount) error {
	now := time.Now()
	err := t.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("id = ?", t.account.ID).
		Updates(map[string]interface{}{
			"plan_tier":            account.PlanTier,
			"billing_customer_ref": account.BillingCustomerRef,
			"plan_version":         account.PlanVersion,
			"downgrade_at":         account.DowngradeAt,
			"updated_at":           now,
		}).Error
	if err != nil {
		return fmt.Errorf("update credit account: %w", translateError(err))
	}

	balance := t.account.CreditBalance
	t.account = account.Clone()
	t.account.CreditBalance = balance
	t.account.UpdatedAt = now
	return nil
}

func (t *ledgerTx) GetReservation(ctx context.Context, taskID uuid.UUID) (*model.CreditReservation, error) {
	return getReservation(ctx, t.db.Where("account_id = ?", t.account.ID), taskID)
}

func (t *ledgerTx) SaveReservation(ctx context.Context, reservation *model.CreditReservation) error {
	if err := t.db.WithContext(ctx).Save(reservation).Error; err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (t *ledgerTx) EventSeen(ctx context.Context, eventID string) (bool, error) {
	return eventSeen(ctx, t.db, eventID)
}

func (t *ledgerTx) RecordEvent(ctx context.Context, record *model.BillingEventRecord) error {
	return recordEvent(ctx, t.db, record)
}

func getReservation(ctx context.Context, db *gorm.DB, taskID uuid.UUID) (*model.CreditReservation, error) {
	var r model.CreditReservation
	err := db.WithContext(ctx).First(&r, "task_id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// translateError maps driver errors onto port errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", outbound.ErrDuplicateEntry, err)
	}
	return err
}

// Compile-time checks
var (
	_ outbound.LedgerStorePort = (*ledgerStoreAdapter)(nil)
	_ outbound.LedgerTx        = (*ledgerTx)(nil)
)
