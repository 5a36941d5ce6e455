package gin

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/billing"
	apperrors "github.com/imagegen/server/internal/shared/errors"
)

const (
	// StripeSignatureHeader carries the Stripe webhook signature.
	StripeSignatureHeader = "Stripe-Signature"
	maxWebhookBody        = 512 << 10
)

// WebhookParser verifies and translates provider webhooks.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*billing.Event, error)
}

// EventApplier applies verified billing events.
type EventApplier interface {
	Apply(ctx context.Context, event *billing.Event) (billing.Outcome, error)
}

// WebhookHandler handles billing provider webhooks.
type WebhookHandler struct {
	parser  WebhookParser
	applier EventApplier
	logger  *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(parser WebhookParser, applier EventApplier, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:  parser,
		applier: applier,
		logger:  logger.Named("webhook_http"),
	}
}

// RegisterRoutes registers webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", h.HandleStripeWebhook)
	}
}

// HandleStripeWebhook handles POST /webhooks/stripe.
// Non-2xx responses make Stripe redeliver, so only storage failures return 5xx.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handleError(c, h.logger, apperrors.NewAppError("PAYLOAD_TOO_LARGE", "Webhook payload too large", http.StatusRequestEntityTooLarge, err))
			return
		}
		handleError(c, h.logger, apperrors.BadRequest("Failed to read request body"))
		return
	}

	event, err := h.parser.ParseWebhook(payload, c.GetHeader(StripeSignatureHeader))
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		handleError(c, h.logger, err)
		return
	}

	outcome, err := h.applier.Apply(c.Request.Context(), event)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}
