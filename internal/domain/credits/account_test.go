package credits

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_ChangePlan(t *testing.T) {
	now := time.Now()

	t.Run("newer version applies and clears downgrade", func(t *testing.T) {
		a := NewAccount(uuid.New(), now)
		require.NoError(t, a.ChangePlan(PlanPro, 3, now))
		require.NoError(t, a.ScheduleDowngrade(now.Add(time.Hour), 4, now))
		require.NotNil(t, a.DowngradeAt())

		require.NoError(t, a.ChangePlan(PlanUnlimited, 5, now))
		assert.Equal(t, PlanUnlimited, a.PlanTier())
		assert.Equal(t, int64(5), a.PlanVersion())
		assert.Nil(t, a.DowngradeAt())
	})

	t.Run("stale version rejected", func(t *testing.T) {
		a := NewAccount(uuid.New(), now)
		require.NoError(t, a.ChangePlan(PlanPro, 5, now))

		assert.ErrorIs(t, a.ChangePlan(PlanUnlimited, 5, now), ErrStalePlanChange)
		assert.ErrorIs(t, a.ScheduleDowngrade(now.Add(time.Hour), 3, now), ErrStalePlanChange)
		assert.Equal(t, PlanPro, a.PlanTier())
		assert.Nil(t, a.DowngradeAt())
	})

	t.Run("invalid tier", func(t *testing.T) {
		a := NewAccount(uuid.New(), now)
		assert.ErrorIs(t, a.ChangePlan("gold", 1, now), ErrInvalidPlanTier)
	})
}

func TestAccount_ScheduleDowngrade(t *testing.T) {
	now := time.Now()

	t.Run("past period end downgrades immediately", func(t *testing.T) {
		a := NewAccount(uuid.New(), now)
		require.NoError(t, a.ChangePlan(PlanPro, 1, now))

		require.NoError(t, a.ScheduleDowngrade(now.Add(-time.Minute), 2, now))
		assert.Equal(t, PlanFree, a.PlanTier())
		assert.Nil(t, a.DowngradeAt())
	})

	t.Run("future period end keeps tier", func(t *testing.T) {
		a := NewAccount(uuid.New(), now)
		require.NoError(t, a.ChangePlan(PlanPro, 1, now))

		end := now.Add(24 * time.Hour)
		require.NoError(t, a.ScheduleDowngrade(end, 2, now))
		assert.Equal(t, PlanPro, a.PlanTier())
		require.NotNil(t, a.DowngradeAt())
		assert.True(t, end.Equal(*a.DowngradeAt()))
	})
}

func TestAccount_AttachCustomer(t *testing.T) {
	a := NewAccount(uuid.New(), time.Now())

	assert.False(t, a.AttachCustomer("", time.Now()))
	assert.True(t, a.AttachCustomer("cus_1", time.Now()))
	assert.False(t, a.AttachCustomer("cus_2", time.Now()))
	assert.Equal(t, "cus_1", a.BillingCustomerRef())
}

func TestAccount_ModelRoundTrip(t *testing.T) {
	now := time.Now()
	a := NewAccount(uuid.New(), now)
	a.AttachCustomer("cus_1", now)
	require.NoError(t, a.ChangePlan(PlanPro, 2, now))
	require.NoError(t, a.ScheduleDowngrade(now.Add(time.Hour), 3, now))

	restored := RestoreAccount(a.toModel())
	assert.Equal(t, a.ID(), restored.ID())
	assert.Equal(t, a.PlanTier(), restored.PlanTier())
	assert.Equal(t, a.BillingCustomerRef(), restored.BillingCustomerRef())
	assert.Equal(t, a.PlanVersion(), restored.PlanVersion())
	require.NotNil(t, restored.DowngradeAt())
	assert.Nil(t, RestoreAccount(nil))
}
