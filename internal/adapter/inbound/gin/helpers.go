package gin

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imagegen/server/internal/domain/credits"
	apperrors "github.com/imagegen/server/internal/shared/errors"
	"github.com/imagegen/server/internal/utils/middleware"
)

const maxListLimit = 100

// AccountOpener provisions credit accounts on first use.
type AccountOpener interface {
	OpenAccount(ctx context.Context, accountID uuid.UUID) (*credits.Account, error)
}

// accountIDFromContext returns the authenticated account id.
func accountIDFromContext(c *gin.Context) (uuid.UUID, error) {
	accountID := middleware.GetAccountID(c)
	if accountID == uuid.Nil {
		return uuid.Nil, apperrors.Unauthorized("")
	}
	return accountID, nil
}

// withOpenAccount runs fn and, if the account does not exist yet, opens it and runs fn again.
func withOpenAccount(ctx context.Context, opener AccountOpener, accountID uuid.UUID, fn func() error) error {
	err := fn()
	if !errors.Is(err, credits.ErrAccountNotFound) {
		return err
	}
	if _, err := opener.OpenAccount(ctx, accountID); err != nil {
		return fmt.Errorf("open account: %w", err)
	}
	return fn()
}

// parseLimit reads the limit query parameter. Zero means the domain default.
func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, apperrors.BadRequest(fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
	}
	return limit, nil
}

// parseIDParam parses a uuid path parameter.
func parseIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.BadRequest("invalid " + name)
	}
	return id, nil
}
