package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
	"go.uber.org/zap"
)

// CreditsDomain defines the credit accounting operations.
type CreditsDomain interface {
	OpenAccount(ctx context.Context, accountID uuid.UUID) (*Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error)
	GetCredits(ctx context.Context, accountID uuid.UUID) (*CreditsView, error)
	CheckAffordability(ctx context.Context, accountID uuid.UUID, cost int64) (*Affordability, error)
	Reserve(ctx context.Context, accountID uuid.UUID, cost int64, taskID uuid.UUID) (*LedgerEntry, error)
	Commit(ctx context.Context, taskID uuid.UUID) error
	Refund(ctx context.Context, taskID uuid.UUID) (bool, error)
	TopUp(ctx context.Context, accountID uuid.UUID, amount int64, reason EntryReason, idempotencyKey string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*LedgerEntry, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (*Drift, error)
	ReconcileAll(ctx context.Context) (*ReconcileReport, error)
}

// CreditsView is the read model of the credits API.
type CreditsView struct {
	Credits     int64    `json:"credits"`
	Plan        PlanTier `json:"plan"`
	IsUnlimited bool     `json:"is_unlimited"`
}

// Affordability is the result of an affordability check.
type Affordability struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Affordability reasons.
const (
	AffordUnlimited    = "unlimited_plan"
	AffordSufficient   = "sufficient_balance"
	AffordInsufficient = "insufficient_balance"
)

// Drift describes a mismatch between the cached balance and the entry sum.
type Drift struct {
	AccountID  uuid.UUID `json:"account_id"`
	Balance    int64     `json:"balance"`
	EntrySum   int64     `json:"entry_sum"`
	Difference int64     `json:"difference"`
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Checked int      `json:"checked"`
	Drifts  []*Drift `json:"drifts"`
}

// Accountant implements reservation based credit accounting.
// Every mutation runs inside a per-account store transaction.
type Accountant struct {
	store  outbound.LedgerStorePort
	cache  outbound.CreditsCachePort
	config *Config
	logger *zap.Logger
	now    func() time.Time
}

// NewAccountant creates a new accountant. cache may be nil.
func NewAccountant(
	store outbound.LedgerStorePort,
	cache outbound.CreditsCachePort,
	config *Config,
	logger *zap.Logger,
) *Accountant {
	if config == nil {
		config = DefaultConfig()
	}
	return &Accountant{
		store:  store,
		cache:  cache,
		config: config,
		logger: logger.Named("accountant"),
		now:    time.Now,
	}
}

// Compile-time interface check
var _ CreditsDomain = (*Accountant)(nil)

// --- Accounts ---

// OpenAccount returns the account, creating it with the initial grant if missing.
func (a *Accountant) OpenAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	existing, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if existing != nil {
		return RestoreAccount(existing), nil
	}

	if err := a.store.CreateAccount(ctx, NewAccount(accountID, a.now()).toModel()); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	if a.config.InitialGrant > 0 {
		if _, err := a.TopUp(ctx, accountID, a.config.InitialGrant, ReasonTopUp, "initial:"+accountID.String()); err != nil {
			return nil, fmt.Errorf("initial grant: %w", err)
		}
	}

	a.logger.Info("account opened",
		zap.String("account_id", accountID.String()),
		zap.Int64("initial_grant", a.config.InitialGrant),
	)
	return a.GetAccount(ctx, accountID)
}

// GetAccount returns the current stored account.
func (a *Accountant) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	m, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if m == nil {
		return nil, ErrAccountNotFound
	}
	return RestoreAccount(m), nil
}

// FindAccountByCustomerRef returns the account linked to a billing customer.
func (a *Accountant) FindAccountByCustomerRef(ctx context.Context, customerRef string) (*Account, error) {
	m, err := a.store.FindAccountByCustomerRef(ctx, customerRef)
	if err != nil {
		return nil, fmt.Errorf("find account by customer: %w", err)
	}
	if m == nil {
		return nil, ErrAccountNotFound
	}
	return RestoreAccount(m), nil
}

// WithAccount runs fn with the account locked. All writes made through tx
// are committed together or not at all.
func (a *Accountant) WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx *AccountTx) error) error {
	now := a.now()
	err := a.store.InAccountTx(ctx, accountID, func(tx outbound.LedgerTx) error {
		return fn(newAccountTx(tx, now))
	})
	if errors.Is(err, outbound.ErrAccountNotFound) {
		return ErrAccountNotFound
	}
	if errors.Is(err, outbound.ErrNegativeBalance) {
		return fmt.Errorf("%w: %v", ErrInsufficientCredits, err)
	}
	if err != nil {
		return err
	}
	a.invalidate(ctx, accountID)
	return nil
}

// --- Reads ---

// GetCredits returns the credits view of an account.
func (a *Accountant) GetCredits(ctx context.Context, accountID uuid.UUID) (*CreditsView, error) {
	if a.cache != nil {
		snap, err := a.cache.Get(ctx, accountID)
		if err == nil {
			return &CreditsView{Credits: snap.Credits, Plan: PlanTier(snap.Plan), IsUnlimited: snap.IsUnlimited}, nil
		}
		if !errors.Is(err, outbound.ErrCacheMiss) {
			a.logger.Warn("credits cache read failed", zap.String("account_id", accountID.String()), zap.Error(err))
		}
	}

	account, err := a.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	view := a.viewOf(account)
	if a.cache != nil {
		a.fillCache(ctx, account, view)
	}
	return view, nil
}

// fillCache stores the view, then drops it again if the account changed
// after it was read. A write that commits between the read and the Set has
// already run its invalidation, so the Set alone would outlive it.
func (a *Accountant) fillCache(ctx context.Context, account *Account, view *CreditsView) {
	accountID := account.ID()
	snap := &model.CreditsSnapshot{Credits: view.Credits, Plan: view.Plan.String(), IsUnlimited: view.IsUnlimited}
	if err := a.cache.Set(ctx, accountID, snap, a.cacheTTL(account)); err != nil {
		a.logger.Warn("credits cache write failed", zap.String("account_id", accountID.String()), zap.Error(err))
		return
	}

	current, err := a.GetAccount(ctx, accountID)
	if err == nil && *a.viewOf(current) == *view {
		return
	}
	a.invalidate(ctx, accountID)
}

func (a *Accountant) viewOf(account *Account) *CreditsView {
	plan := ResolvePlan(account, a.now())
	return &CreditsView{
		Credits:     account.CreditBalance(),
		Plan:        plan.Tier,
		IsUnlimited: plan.IsUnlimited,
	}
}

// CheckAffordability reports whether the account can pay cost right now.
func (a *Accountant) CheckAffordability(ctx context.Context, accountID uuid.UUID, cost int64) (*Affordability, error) {
	if cost <= 0 {
		return nil, ErrInvalidAmount
	}
	account, err := a.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return affordability(account, ResolvePlan(account, a.now()), cost), nil
}

// ListEntries lists the newest ledger entries of an account.
func (a *Accountant) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = a.config.DefaultEntryLimit
	}
	models, err := a.store.ListEntries(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]*LedgerEntry, 0, len(models))
	for _, m := range models {
		out = append(out, entryFromModel(m))
	}
	return out, nil
}

// --- Reservation lifecycle ---

// Reserve deducts cost from the balance and holds it for taskID.
// Unlimited accounts hold nothing.
func (a *Accountant) Reserve(ctx context.Context, accountID uuid.UUID, cost int64, taskID uuid.UUID) (*LedgerEntry, error) {
	if cost <= 0 {
		return nil, ErrInvalidAmount
	}

	var entry *LedgerEntry
	err := a.WithAccount(ctx, accountID, func(tx *AccountTx) error {
		existing, err := tx.tx.GetReservation(ctx, taskID)
		if err != nil {
			return fmt.Errorf("get reservation: %w", err)
		}
		if existing != nil {
			return ErrReservationExists
		}

		plan := tx.Plan()
		check := affordability(tx.Account(), plan, cost)
		if !check.Allowed {
			return ErrInsufficientCredits
		}

		amount := cost
		if plan.IsUnlimited {
			amount = 0
		}

		entry, err = tx.append(ctx, -amount, ReasonReservation, &taskID, reservationKey(taskID))
		if err != nil {
			return err
		}
		return tx.saveReservation(ctx, &model.CreditReservation{
			TaskID:    taskID,
			AccountID: accountID,
			Amount:    amount,
			Status:    string(ReservationHeld),
			CreatedAt: tx.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("credits reserved",
		zap.String("account_id", accountID.String()),
		zap.String("task_id", taskID.String()),
		zap.Int64("amount", -entry.Delta),
	)
	return entry, nil
}

// Commit finalizes the reservation of a task. The balance was already
// reduced by Reserve, so the commit entry carries no delta.
func (a *Accountant) Commit(ctx context.Context, taskID uuid.UUID) error {
	accountID, err := a.reservationAccount(ctx, taskID)
	if err != nil {
		return err
	}

	return a.WithAccount(ctx, accountID, func(tx *AccountTx) error {
		r, err := tx.reservation(ctx, taskID)
		if err != nil {
			return err
		}
		switch ReservationStatus(r.Status) {
		case ReservationCommitted:
			return nil
		case ReservationRefunded:
			return ErrReservationFinalized
		}

		if _, err := tx.append(ctx, 0, ReasonCommit, &taskID, commitKey(taskID)); err != nil {
			return err
		}
		r.Status = string(ReservationCommitted)
		return tx.saveReservation(ctx, r)
	})
}

// Refund returns the reserved credits of a task. It reports false without
// error when the reservation was already committed or refunded.
func (a *Accountant) Refund(ctx context.Context, taskID uuid.UUID) (bool, error) {
	accountID, err := a.reservationAccount(ctx, taskID)
	if err != nil {
		return false, err
	}

	refunded := false
	err = a.WithAccount(ctx, accountID, func(tx *AccountTx) error {
		r, err := tx.reservation(ctx, taskID)
		if err != nil {
			return err
		}
		if ReservationStatus(r.Status).IsFinal() {
			a.logger.Info("refund skipped",
				zap.String("task_id", taskID.String()),
				zap.String("reservation_status", r.Status),
			)
			return nil
		}

		if _, err := tx.append(ctx, r.Amount, ReasonRefund, &taskID, refundKey(taskID)); err != nil {
			return err
		}
		r.Status = string(ReservationRefunded)
		refunded = true
		return tx.saveReservation(ctx, r)
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

// HeldReservations lists the task ids of reservations still held that
// were created before createdBefore, oldest first.
func (a *Accountant) HeldReservations(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	reservations, err := a.store.ListHeldReservations(ctx, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list held reservations: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(reservations))
	for _, r := range reservations {
		ids = append(ids, r.TaskID)
	}
	return ids, nil
}

// TopUp credits an account. Repeating a call with the same idempotency key
// returns the original entry.
func (a *Accountant) TopUp(ctx context.Context, accountID uuid.UUID, amount int64, reason EntryReason, idempotencyKey string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := a.WithAccount(ctx, accountID, func(tx *AccountTx) error {
		var err error
		entry, _, err = tx.Credit(ctx, amount, reason, idempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("credits added",
		zap.String("account_id", accountID.String()),
		zap.Int64("amount", amount),
		zap.String("reason", reason.String()),
	)
	return entry, nil
}

// --- Reconciliation ---

// Reconcile compares the cached balance with the sum of entries.
func (a *Accountant) Reconcile(ctx context.Context, accountID uuid.UUID) (*Drift, error) {
	var drift *Drift
	err := a.store.InAccountTx(ctx, accountID, func(tx outbound.LedgerTx) error {
		sum, err := tx.SumEntries(ctx)
		if err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}
		balance := tx.Account().CreditBalance
		drift = &Drift{
			AccountID:  accountID,
			Balance:    balance,
			EntrySum:   sum,
			Difference: balance - sum,
		}
		return nil
	})
	if errors.Is(err, outbound.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return drift, nil
}

// ReconcileAll reconciles every account and reports the mismatching ones.
func (a *Accountant) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	ids, err := a.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	report := &ReconcileReport{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		drift, err := a.Reconcile(ctx, id)
		if err != nil {
			a.logger.Error("reconcile account failed", zap.String("account_id", id.String()), zap.Error(err))
			continue
		}
		report.Checked++
		if drift.Difference != 0 {
			a.logger.Error("ledger drift detected",
				zap.String("account_id", id.String()),
				zap.Int64("balance", drift.Balance),
				zap.Int64("entry_sum", drift.EntrySum),
			)
			report.Drifts = append(report.Drifts, drift)
		}
	}
	return report, nil
}

// --- helpers ---

func (a *Accountant) reservationAccount(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	r, err := a.store.GetReservation(ctx, taskID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("get reservation: %w", err)
	}
	if r == nil {
		return uuid.Nil, ErrReservationNotFound
	}
	return r.AccountID, nil
}

func (a *Accountant) invalidate(ctx context.Context, accountID uuid.UUID) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx, accountID); err != nil {
		a.logger.Warn("credits cache invalidation failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

// cacheTTL keeps a cached view from outliving a scheduled downgrade.
func (a *Accountant) cacheTTL(account *Account) time.Duration {
	ttl := a.config.CacheTTL
	if at := account.DowngradeAt(); at != nil {
		if until := at.Sub(a.now()); until > 0 && until < ttl {
			ttl = until
		}
	}
	return ttl
}

func affordability(account *Account, plan Plan, cost int64) *Affordability {
	switch {
	case plan.IsUnlimited:
		return &Affordability{Allowed: true, Reason: AffordUnlimited}
	case account.CreditBalance() >= cost:
		return &Affordability{Allowed: true, Reason: AffordSufficient}
	default:
		return &Affordability{Allowed: false, Reason: AffordInsufficient}
	}
}
