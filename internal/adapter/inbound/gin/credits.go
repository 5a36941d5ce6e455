package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/model"
)

// CreditsReader is the part of the accountant exposed over HTTP.
type CreditsReader interface {
	AccountOpener
	GetCredits(ctx context.Context, accountID uuid.UUID) (*credits.CreditsView, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*credits.LedgerEntry, error)
}

// CreditsHandler handles credits and ledger HTTP requests.
type CreditsHandler struct {
	credits CreditsReader
	logger  *zap.Logger
}

// NewCreditsHandler creates a new credits handler.
func NewCreditsHandler(credits CreditsReader, logger *zap.Logger) *CreditsHandler {
	return &CreditsHandler{credits: credits, logger: logger.Named("credits_http")}
}

// RegisterRoutes registers credits routes.
func (h *CreditsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetCredits)
	r.GET("/ledger/entries", h.ListEntries)
}

// GetCredits handles GET /v1/credits.
func (h *CreditsHandler) GetCredits(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	var view *credits.CreditsView
	err = withOpenAccount(ctx, h.credits, accountID, func() error {
		var err error
		view, err = h.credits.GetCredits(ctx, accountID)
		return err
	})
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ListEntries handles GET /v1/ledger/entries.
func (h *CreditsHandler) ListEntries(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	entries, err := h.credits.ListEntries(c.Request.Context(), accountID, limit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, model.NewListResponse(entries))
}
