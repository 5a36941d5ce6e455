package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/credits"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ReconcileAll(ctx context.Context) (*credits.ReconcileReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*credits.ReconcileReport), args.Error(1)
}

func (m *mockLedger) SettlePending(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RecordReconcile(checked, drifted int) { m.Called(checked, drifted) }
func (m *mockMetrics) RecordSettled(n int)                  { m.Called(n) }

func TestScheduler_RunReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("records drift", func(t *testing.T) {
		ledger, metrics := new(mockLedger), new(mockMetrics)
		ledger.On("ReconcileAll", mock.Anything).Return(&credits.ReconcileReport{
			Checked: 3,
			Drifts:  []*credits.Drift{{AccountID: uuid.New(), Balance: 10, EntrySum: 7, Difference: 3}},
		}, nil)
		metrics.On("RecordReconcile", 3, 1).Once()

		s, err := NewScheduler(ledger, ledger, metrics, &Config{}, zap.NewNop())
		require.NoError(t, err)

		require.NoError(t, s.RunReconcile(ctx))
		metrics.AssertExpectations(t)
	})

	t.Run("failure leaves gauges untouched", func(t *testing.T) {
		ledger, metrics := new(mockLedger), new(mockMetrics)
		ledger.On("ReconcileAll", mock.Anything).Return(nil, errors.New("db down"))

		s, err := NewScheduler(ledger, ledger, metrics, &Config{}, zap.NewNop())
		require.NoError(t, err)

		assert.Error(t, s.RunReconcile(ctx))
		metrics.AssertNotCalled(t, "RecordReconcile", mock.Anything, mock.Anything)
	})
}

func TestScheduler_RunSettle(t *testing.T) {
	ledger, metrics := new(mockLedger), new(mockMetrics)
	ledger.On("SettlePending", mock.Anything).Return(2, errors.New("one failed")).Once()
	metrics.On("RecordSettled", 2).Once()

	s, err := NewScheduler(ledger, ledger, metrics, &Config{}, zap.NewNop())
	require.NoError(t, err)

	assert.Error(t, s.RunSettle(context.Background()))
	metrics.AssertExpectations(t)
}

func TestNewScheduler_Schedules(t *testing.T) {
	ledger := new(mockLedger)

	t.Run("invalid schedule", func(t *testing.T) {
		_, err := NewScheduler(ledger, ledger, nil, &Config{ReconcileSchedule: "every hour"}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("empty schedule disables job", func(t *testing.T) {
		s, err := NewScheduler(ledger, ledger, nil, &Config{SettleSchedule: "@every 1m"}, zap.NewNop())
		require.NoError(t, err)
		assert.Len(t, s.cron.Entries(), 1)
	})

	t.Run("start and stop", func(t *testing.T) {
		s, err := NewScheduler(ledger, ledger, nil, &Config{
			ReconcileSchedule: "@every 1h",
			SettleSchedule:    "@every 1m",
		}, zap.NewNop())
		require.NoError(t, err)

		s.Start()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})
}
