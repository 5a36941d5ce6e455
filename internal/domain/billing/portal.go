package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/port/outbound"
	"go.uber.org/zap"
)

// AccountReader loads accounts for the portal.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*credits.Account, error)
}

// Portal opens billing provider customer portal sessions.
type Portal struct {
	accounts AccountReader
	gateway  outbound.BillingPortalPort
	config   *Config
	logger   *zap.Logger
}

// NewPortal creates a new portal service.
func NewPortal(accounts AccountReader, gateway outbound.BillingPortalPort, config *Config, logger *zap.Logger) *Portal {
	if config == nil {
		config = DefaultConfig()
	}
	return &Portal{
		accounts: accounts,
		gateway:  gateway,
		config:   config,
		logger:   logger.Named("billing-portal"),
	}
}

// CreateCustomerSession returns a portal URL for the account's billing customer.
func (p *Portal) CreateCustomerSession(ctx context.Context, accountID uuid.UUID, returnURL string) (string, error) {
	account, err := p.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.BillingCustomerRef() == "" {
		return "", ErrNoBillingCustomer
	}
	if returnURL == "" {
		returnURL = p.config.PortalReturnURL
	}

	url, err := p.gateway.CreatePortalSession(ctx, account.BillingCustomerRef(), returnURL)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}

	p.logger.Debug("portal session created", zap.String("account_id", accountID.String()))
	return url, nil
}
