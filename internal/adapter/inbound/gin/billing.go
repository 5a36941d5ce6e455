package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PortalOpener opens billing portal sessions.
type PortalOpener interface {
	CreateCustomerSession(ctx context.Context, accountID uuid.UUID, returnURL string) (string, error)
}

// BillingHandler handles billing portal HTTP requests.
type BillingHandler struct {
	portal PortalOpener
	logger *zap.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(portal PortalOpener, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{portal: portal, logger: logger.Named("billing_http")}
}

// RegisterRoutes registers billing routes.
func (h *BillingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/portal", h.CreatePortalSession)
}

// CreatePortalSession handles POST /v1/billing/portal.
// The return URL is always the configured one so the portal cannot redirect elsewhere.
func (h *BillingHandler) CreatePortalSession(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	url, err := h.portal.CreateCustomerSession(c.Request.Context(), accountID, "")
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}
