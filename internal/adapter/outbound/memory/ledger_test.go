package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

func newAccount(t *testing.T, s *LedgerStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.CreateAccount(context.Background(), &model.CreditAccount{ID: id, PlanTier: "free"}))
	return id
}

func entry(accountID uuid.UUID, delta int64, key string) *model.LedgerEntry {
	e := &model.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    "topup",
		CreatedAt: time.Now(),
	}
	if key != "" {
		e.IdempotencyKey = &key
	}
	return e
}

func TestLedgerStore_InAccountTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits entries and balance together", func(t *testing.T) {
		s := NewLedgerStore()
		id := newAccount(t, s)

		err := s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
			if err := tx.AppendEntry(ctx, entry(id, 10, "a")); err != nil {
				return err
			}
			return tx.AppendEntry(ctx, entry(id, -3, ""))
		})
		require.NoError(t, err)

		acc, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(7), acc.CreditBalance)
		require.Len(t, s.Entries(id), 2)
		assert.Equal(t, int64(7), s.Entries(id)[1].BalanceAfter)
	})

	t.Run("error discards staged writes", func(t *testing.T) {
		s := NewLedgerStore()
		id := newAccount(t, s)

		err := s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
			if err := tx.AppendEntry(ctx, entry(id, 10, "a")); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, err)

		acc, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.CreditBalance)
		assert.Empty(t, s.Entries(id))
	})

	t.Run("negative balance rejected", func(t *testing.T) {
		s := NewLedgerStore()
		id := newAccount(t, s)

		err := s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
			return tx.AppendEntry(ctx, entry(id, -1, ""))
		})
		assert.ErrorIs(t, err, outbound.ErrNegativeBalance)
	})

	t.Run("duplicate idempotency key rejected", func(t *testing.T) {
		s := NewLedgerStore()
		id := newAccount(t, s)
		appendKey := func(tx outbound.LedgerTx) error {
			return tx.AppendEntry(ctx, entry(id, 1, "order:1"))
		}

		require.NoError(t, s.InAccountTx(ctx, id, appendKey))
		assert.ErrorIs(t, s.InAccountTx(ctx, id, appendKey), outbound.ErrDuplicateEntry)
		assert.Len(t, s.Entries(id), 1)
	})

	t.Run("missing account", func(t *testing.T) {
		s := NewLedgerStore()
		err := s.InAccountTx(ctx, uuid.New(), func(tx outbound.LedgerTx) error { return nil })
		assert.ErrorIs(t, err, outbound.ErrAccountNotFound)
	})

	t.Run("events recorded only on commit", func(t *testing.T) {
		s := NewLedgerStore()
		id := newAccount(t, s)

		_ = s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
			require.NoError(t, tx.RecordEvent(ctx, &model.BillingEventRecord{EventID: "evt_1"}))
			return errors.New("boom")
		})
		seen, err := s.EventSeen(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
			return tx.RecordEvent(ctx, &model.BillingEventRecord{EventID: "evt_1"})
		}))
		seen, err = s.EventSeen(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, seen)
	})
}

func TestLedgerStore_CreateAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	id := newAccount(t, s)
	require.NoError(t, s.InAccountTx(ctx, id, func(tx outbound.LedgerTx) error {
		return tx.AppendEntry(ctx, entry(id, 5, ""))
	}))

	require.NoError(t, s.CreateAccount(ctx, &model.CreditAccount{ID: id, PlanTier: "pro", CreditBalance: 100}))

	acc, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.CreditBalance)
	assert.Equal(t, "free", acc.PlanTier)
}

func TestTaskRepository(t *testing.T) {
	ctx := context.Background()
	r := NewTaskRepository()
	accountID := uuid.New()
	now := time.Now()

	active := &model.GenerationTask{ID: uuid.New(), AccountID: accountID, State: "generating", CreatedAt: now}
	done := &model.GenerationTask{ID: uuid.New(), AccountID: accountID, State: "failed", CreatedAt: now.Add(time.Second)}
	require.NoError(t, r.Create(ctx, active))
	require.NoError(t, r.Create(ctx, done))
	assert.ErrorIs(t, r.Create(ctx, active), outbound.ErrDuplicateEntry)

	got, err := r.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := r.ListByAccount(ctx, accountID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, done.ID, list[0].ID)

	activeList, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, activeList, 1)
	assert.Equal(t, active.ID, activeList[0].ID)

	unsettled, err := r.ListUnsettled(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)

	done.Settled = true
	require.NoError(t, r.Update(ctx, done))
	unsettled, err = r.ListUnsettled(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	assert.ErrorIs(t, r.Update(ctx, &model.GenerationTask{ID: uuid.New()}), ErrTaskNotFound)

	t.Run("update active skips terminal rows", func(t *testing.T) {
		progressed := active.Clone()
		progressed.Progress = 0.5
		written, err := r.UpdateActive(ctx, progressed)
		require.NoError(t, err)
		assert.True(t, written)

		overwrite := done.Clone()
		overwrite.State = "succeeded"
		written, err = r.UpdateActive(ctx, overwrite)
		require.NoError(t, err)
		assert.False(t, written)

		stored, err := r.Get(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, "failed", stored.State)
	})
}

func TestLedgerStore_ListHeldReservations(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	accountID := newAccount(t, s)
	now := time.Now()

	old := &model.CreditReservation{TaskID: uuid.New(), AccountID: accountID, Amount: 2, Status: "held", CreatedAt: now.Add(-time.Hour)}
	recent := &model.CreditReservation{TaskID: uuid.New(), AccountID: accountID, Amount: 1, Status: "held", CreatedAt: now}
	finished := &model.CreditReservation{TaskID: uuid.New(), AccountID: accountID, Amount: 1, Status: "refunded", CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, s.InAccountTx(ctx, accountID, func(tx outbound.LedgerTx) error {
		for _, r := range []*model.CreditReservation{old, recent, finished} {
			if err := tx.SaveReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	held, err := s.ListHeldReservations(ctx, now.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, old.TaskID, held[0].TaskID)

	held, err = s.ListHeldReservations(ctx, now.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, old.TaskID, held[0].TaskID)
}
