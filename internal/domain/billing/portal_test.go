package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockPortalGateway struct {
	mock.Mock
}

func (m *mockPortalGateway) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	args := m.Called(ctx, customerRef, returnURL)
	return args.String(0), args.Error(1)
}

func TestPortal_CreateCustomerSession(t *testing.T) {
	ctx := context.Background()
	applier, accountant, _ := setupApplier(t)
	config := &Config{PortalReturnURL: "https://app.example.com/settings"}

	linked := uuid.New()
	_, err := applier.Apply(ctx, &Event{ID: "evt_1", Type: EventCustomerCreated, AccountID: linked, CustomerRef: "cus_7"})
	require.NoError(t, err)
	unlinked := uuid.New()
	_, err = accountant.OpenAccount(ctx, unlinked)
	require.NoError(t, err)

	t.Run("returns portal url", func(t *testing.T) {
		gateway := new(mockPortalGateway)
		gateway.On("CreatePortalSession", ctx, "cus_7", "https://app.example.com/settings").
			Return("https://billing.example.com/p/session", nil)
		portal := NewPortal(accountant, gateway, config, zap.NewNop())

		url, err := portal.CreateCustomerSession(ctx, linked, "")
		require.NoError(t, err)
		assert.Equal(t, "https://billing.example.com/p/session", url)
		gateway.AssertExpectations(t)
	})

	t.Run("no billing customer", func(t *testing.T) {
		gateway := new(mockPortalGateway)
		portal := NewPortal(accountant, gateway, config, zap.NewNop())

		_, err := portal.CreateCustomerSession(ctx, unlinked, "")
		assert.ErrorIs(t, err, ErrNoBillingCustomer)
		gateway.AssertNotCalled(t, "CreatePortalSession", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("gateway error", func(t *testing.T) {
		gateway := new(mockPortalGateway)
		gateway.On("CreatePortalSession", ctx, "cus_7", mock.Anything).Return("", errors.New("stripe down"))
		portal := NewPortal(accountant, gateway, config, zap.NewNop())

		_, err := portal.CreateCustomerSession(ctx, linked, "")
		assert.Error(t, err)
	})
}
