package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/adapter/outbound/memory"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

// Mock implementations

type mockCreditsCache struct {
	mock.Mock
}

func (m *mockCreditsCache) Get(ctx context.Context, accountID uuid.UUID) (*model.CreditsSnapshot, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CreditsSnapshot), args.Error(1)
}

func (m *mockCreditsCache) Set(ctx context.Context, accountID uuid.UUID, snapshot *model.CreditsSnapshot, ttl time.Duration) error {
	args := m.Called(ctx, accountID, snapshot, ttl)
	return args.Error(0)
}

func (m *mockCreditsCache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

// failingStore makes every transaction fail after fn ran.
type failingStore struct {
	*memory.LedgerStore
}

func (s *failingStore) InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(tx outbound.LedgerTx) error) error {
	return s.LedgerStore.InAccountTx(ctx, accountID, func(tx outbound.LedgerTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("connection reset")
	})
}

func setupAccountant(t *testing.T) (*Accountant, *memory.LedgerStore) {
	t.Helper()
	store := memory.NewLedgerStore()
	return NewAccountant(store, nil, DefaultConfig(), zap.NewNop()), store
}

func openAccountWithBalance(t *testing.T, a *Accountant, balance int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := a.OpenAccount(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = a.TopUp(ctx, id, balance, ReasonTopUp, "seed:"+id.String())
		require.NoError(t, err)
	}
	return id
}

func assertBalanceMatchesEntries(t *testing.T, a *Accountant, accountID uuid.UUID) {
	t.Helper()
	drift, err := a.Reconcile(context.Background(), accountID)
	require.NoError(t, err)
	assert.Zero(t, drift.Difference, "balance %d != entry sum %d", drift.Balance, drift.EntrySum)
}

func makeUnlimited(t *testing.T, a *Accountant, accountID uuid.UUID) {
	t.Helper()
	err := a.WithAccount(context.Background(), accountID, func(tx *AccountTx) error {
		tx.Account().AttachCustomer("cus_"+accountID.String(), tx.Now())
		if err := tx.Account().ChangePlan(PlanUnlimited, 1, tx.Now()); err != nil {
			return err
		}
		return tx.Save(context.Background())
	})
	require.NoError(t, err)
}

func TestAccountant_OpenAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("creates free account with initial grant once", func(t *testing.T) {
		store := memory.NewLedgerStore()
		a := NewAccountant(store, nil, &Config{InitialGrant: 10, CacheTTL: time.Second}, zap.NewNop())
		id := uuid.New()

		acc, err := a.OpenAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), acc.CreditBalance())
		assert.Equal(t, PlanFree, acc.PlanTier())

		acc, err = a.OpenAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), acc.CreditBalance())
		assert.Len(t, store.Entries(id), 1)
	})

	t.Run("get missing account", func(t *testing.T) {
		a, _ := setupAccountant(t)
		_, err := a.GetAccount(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestAccountant_CheckAffordability(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAccountant(t)
	id := openAccountWithBalance(t, a, 5)

	tests := []struct {
		name    string
		cost    int64
		allowed bool
		reason  string
	}{
		{"exact balance", 5, true, AffordSufficient},
		{"below balance", 1, true, AffordSufficient},
		{"above balance", 6, false, AffordInsufficient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.CheckAffordability(ctx, id, tt.cost)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	t.Run("invalid cost", func(t *testing.T) {
		_, err := a.CheckAffordability(ctx, id, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unlimited ignores balance", func(t *testing.T) {
		unlimited := openAccountWithBalance(t, a, 0)
		makeUnlimited(t, a, unlimited)

		res, err := a.CheckAffordability(ctx, unlimited, 1000)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, AffordUnlimited, res.Reason)
	})
}

func TestAccountant_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("deducts immediately", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()

		entry, err := a.Reserve(ctx, id, 5, taskID)
		require.NoError(t, err)
		assert.Equal(t, int64(-5), entry.Delta)
		assert.Equal(t, ReasonReservation, entry.Reason)
		require.NotNil(t, entry.RelatedTaskID)
		assert.Equal(t, taskID, *entry.RelatedTaskID)
		assert.Equal(t, int64(0), entry.BalanceAfter)

		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.CreditBalance())
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("second reserve after exhausting balance fails", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)

		_, err := a.Reserve(ctx, id, 5, uuid.New())
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = a.Reserve(ctx, id, 1, uuid.New())
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("concurrent reserves never overdraw", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Reserve(ctx, id, 1, uuid.New())
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientCredits)
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, succeeded)
		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.CreditBalance())
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("same task twice", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()

		_, err := a.Reserve(ctx, id, 1, taskID)
		require.NoError(t, err)
		_, err = a.Reserve(ctx, id, 1, taskID)
		assert.ErrorIs(t, err, ErrReservationExists)
	})

	t.Run("unlimited holds nothing", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 0)
		makeUnlimited(t, a, id)

		entry, err := a.Reserve(ctx, id, 50, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, int64(0), entry.Delta)

		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.CreditBalance())
	})

	t.Run("unknown account", func(t *testing.T) {
		a, _ := setupAccountant(t)
		_, err := a.Reserve(ctx, uuid.New(), 1, uuid.New())
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("storage failure leaves nothing applied", func(t *testing.T) {
		store := memory.NewLedgerStore()
		good := NewAccountant(store, nil, DefaultConfig(), zap.NewNop())
		id := openAccountWithBalance(t, good, 5)

		bad := NewAccountant(&failingStore{LedgerStore: store}, nil, DefaultConfig(), zap.NewNop())
		taskID := uuid.New()
		_, err := bad.Reserve(ctx, id, 3, taskID)
		require.Error(t, err)

		acc, err := good.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), acc.CreditBalance())
		assert.Len(t, store.Entries(id), 1)

		_, err = good.Refund(ctx, taskID)
		assert.ErrorIs(t, err, ErrReservationNotFound)
	})
}

func TestAccountant_CommitAndRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("commit keeps deduction", func(t *testing.T) {
		a, store := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()
		_, err := a.Reserve(ctx, id, 2, taskID)
		require.NoError(t, err)

		require.NoError(t, a.Commit(ctx, taskID))
		require.NoError(t, a.Commit(ctx, taskID))

		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), acc.CreditBalance())

		refunded, err := a.Refund(ctx, taskID)
		require.NoError(t, err)
		assert.False(t, refunded)

		entries := store.Entries(id)
		require.Len(t, entries, 3)
		assert.Equal(t, string(ReasonCommit), entries[2].Reason)
		assert.Equal(t, int64(0), entries[2].Delta)
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("refund twice equals refund once", func(t *testing.T) {
		a, store := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()
		_, err := a.Reserve(ctx, id, 4, taskID)
		require.NoError(t, err)

		refunded, err := a.Refund(ctx, taskID)
		require.NoError(t, err)
		assert.True(t, refunded)

		refunded, err = a.Refund(ctx, taskID)
		require.NoError(t, err)
		assert.False(t, refunded)

		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), acc.CreditBalance())
		assert.Len(t, store.Entries(id), 3)
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("concurrent refunds apply once", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()
		_, err := a.Reserve(ctx, id, 5, taskID)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Refund(ctx, taskID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		acc, err := a.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), acc.CreditBalance())
		assertBalanceMatchesEntries(t, a, id)
	})

	t.Run("commit after refund", func(t *testing.T) {
		a, _ := setupAccountant(t)
		id := openAccountWithBalance(t, a, 5)
		taskID := uuid.New()
		_, err := a.Reserve(ctx, id, 1, taskID)
		require.NoError(t, err)
		_, err = a.Refund(ctx, taskID)
		require.NoError(t, err)

		assert.ErrorIs(t, a.Commit(ctx, taskID), ErrReservationFinalized)
	})

	t.Run("unknown task", func(t *testing.T) {
		a, _ := setupAccountant(t)
		assert.ErrorIs(t, a.Commit(ctx, uuid.New()), ErrReservationNotFound)
		_, err := a.Refund(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrReservationNotFound)
	})
}

func TestAccountant_TopUp(t *testing.T) {
	ctx := context.Background()
	a, store := setupAccountant(t)
	id := openAccountWithBalance(t, a, 20)

	entry, err := a.TopUp(ctx, id, 100, ReasonTopUp, "order:ord_1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), entry.BalanceAfter)

	again, err := a.TopUp(ctx, id, 100, ReasonTopUp, "order:ord_1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)

	acc, err := a.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(120), acc.CreditBalance())
	assert.Len(t, store.Entries(id), 2)

	_, err = a.TopUp(ctx, id, 0, ReasonTopUp, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = a.TopUp(ctx, id, 1, ReasonRefund, "")
	assert.ErrorIs(t, err, ErrInvalidReason)
}

func TestAccountant_GetCredits(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit", func(t *testing.T) {
		cache := new(mockCreditsCache)
		a := NewAccountant(memory.NewLedgerStore(), cache, DefaultConfig(), zap.NewNop())
		id := uuid.New()
		cache.On("Get", ctx, id).Return(&model.CreditsSnapshot{Credits: 7, Plan: "pro"}, nil)

		view, err := a.GetCredits(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, &CreditsView{Credits: 7, Plan: PlanPro}, view)
		cache.AssertExpectations(t)
	})

	t.Run("cache miss reads store and fills cache", func(t *testing.T) {
		store := memory.NewLedgerStore()
		cache := new(mockCreditsCache)
		cache.On("Invalidate", mock.Anything, mock.Anything).Return(nil)
		a := NewAccountant(store, cache, DefaultConfig(), zap.NewNop())
		id := openAccountWithBalance(t, a, 9)

		cache.On("Get", ctx, id).Return(nil, outbound.ErrCacheMiss)
		cache.On("Set", ctx, id, &model.CreditsSnapshot{Credits: 9, Plan: "free"}, 30*time.Second).Return(nil)

		view, err := a.GetCredits(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(9), view.Credits)
		assert.Equal(t, PlanFree, view.Plan)
		assert.False(t, view.IsUnlimited)
		cache.AssertExpectations(t)
	})

	t.Run("write during fill drops the filled view", func(t *testing.T) {
		store := memory.NewLedgerStore()
		cache := new(mockCreditsCache)
		cache.On("Invalidate", mock.Anything, mock.Anything).Return(nil)
		a := NewAccountant(store, cache, DefaultConfig(), zap.NewNop())
		id := openAccountWithBalance(t, a, 9)

		cache.On("Get", ctx, id).Return(nil, outbound.ErrCacheMiss)
		cache.On("Set", ctx, id, &model.CreditsSnapshot{Credits: 9, Plan: "free"}, 30*time.Second).
			Run(func(mock.Arguments) {
				_, err := a.TopUp(ctx, id, 5, ReasonTopUp, "concurrent")
				require.NoError(t, err)
			}).
			Return(nil).Once()

		view, err := a.GetCredits(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(9), view.Credits)

		last := cache.Calls[len(cache.Calls)-1]
		assert.Equal(t, "Invalidate", last.Method)
		assert.Equal(t, id, last.Arguments.Get(1))
	})

	t.Run("mutations invalidate cache", func(t *testing.T) {
		cache := new(mockCreditsCache)
		cache.On("Invalidate", mock.Anything, mock.Anything).Return(nil)
		a := NewAccountant(memory.NewLedgerStore(), cache, DefaultConfig(), zap.NewNop())
		id := openAccountWithBalance(t, a, 3)

		_, err := a.Reserve(ctx, id, 1, uuid.New())
		require.NoError(t, err)
		cache.AssertCalled(t, "Invalidate", mock.Anything, id)
	})

	t.Run("no cache", func(t *testing.T) {
		a, _ := setupAccountant(t)
		_, err := a.GetCredits(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestAccountant_ReconcileAll(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAccountant(t)
	id := openAccountWithBalance(t, a, 10)
	taskID := uuid.New()
	_, err := a.Reserve(ctx, id, 4, taskID)
	require.NoError(t, err)
	_, err = a.Refund(ctx, taskID)
	require.NoError(t, err)
	openAccountWithBalance(t, a, 0)

	report, err := a.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Drifts)
}

func TestAccountant_ListEntries(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAccountant(t)
	id := openAccountWithBalance(t, a, 10)
	_, err := a.Reserve(ctx, id, 2, uuid.New())
	require.NoError(t, err)

	entries, err := a.ListEntries(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = a.ListEntries(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
