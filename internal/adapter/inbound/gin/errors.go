package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/domain/billing"
	"github.com/imagegen/server/internal/domain/credits"
	"github.com/imagegen/server/internal/domain/generation"
	"github.com/imagegen/server/internal/port/outbound"
	apperrors "github.com/imagegen/server/internal/shared/errors"
	"github.com/imagegen/server/internal/utils/requestctx"
)

// toAppError maps domain errors to HTTP errors.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return apperrors.PaymentRequired("INSUFFICIENT_CREDITS", "Not enough credits for this request")
	case errors.Is(err, credits.ErrAccountNotFound):
		return apperrors.NotFound("account")
	case errors.Is(err, credits.ErrInvalidAmount):
		return apperrors.ValidationError(err.Error())

	case errors.Is(err, generation.ErrTaskNotFound):
		return apperrors.NotFound("generation")
	case errors.Is(err, generation.ErrTaskFinished):
		return apperrors.NewAppError("TASK_FINISHED", "Generation already finished", http.StatusConflict, err)
	case errors.Is(err, generation.ErrEmptyPrompt), errors.Is(err, generation.ErrInvalidCount):
		return apperrors.ValidationError(err.Error())
	case errors.Is(err, generation.ErrSubmissionFailed):
		return apperrors.BadGateway("Image provider did not accept the request", err)

	case errors.Is(err, billing.ErrNoBillingCustomer):
		return apperrors.NewAppError("NO_BILLING_CUSTOMER", "Account has no billing customer yet", http.StatusConflict, err)
	case errors.Is(err, billing.ErrInvalidSignature):
		return apperrors.NewAppError("INVALID_SIGNATURE", "Webhook signature verification failed", http.StatusBadRequest, err)
	case errors.Is(err, billing.ErrInvalidEvent):
		return apperrors.NewAppError("INVALID_EVENT", "Webhook event is malformed", http.StatusBadRequest, err)
	case errors.Is(err, billing.ErrAccountUnresolved):
		return apperrors.NewAppError("ACCOUNT_UNRESOLVED", "Billing event account is not known yet, retry later", http.StatusServiceUnavailable, err)

	case outbound.IsProviderUnavailable(err):
		return apperrors.ServiceUnavailable("Image provider is unavailable, try again later")
	}

	return apperrors.Internal("Internal server error", err)
}

// handleError writes the error response. Server errors are logged.
func handleError(c *gin.Context, logger *zap.Logger, err error) {
	appErr := toAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		requestctx.Logger(c.Request.Context(), logger).Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}
