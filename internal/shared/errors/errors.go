package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imagegen/server/internal/model"
)

// Sentinels that AppErrors wrap, so callers can test with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
	ErrConflict           = errors.New("resource conflict")
	ErrInternal           = errors.New("internal error")
	ErrPaymentRequired    = errors.New("payment required")
	ErrRateLimited        = errors.New("rate limited")
	ErrUpstream           = errors.New("upstream failure")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// AppError is an error with an HTTP status and a machine readable code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ToResponse converts the error to the JSON error body.
func (e *AppError) ToResponse() model.ErrorResponse {
	return model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    e.Code,
			Message: e.Message,
		},
	}
}

// NewAppError creates a new application error.
func NewAppError(code string, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NotFound creates a not found error.
func NotFound(resource string) *AppError {
	return NewAppError("NOT_FOUND", fmt.Sprintf("%s not found", resource), http.StatusNotFound, ErrNotFound)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, ErrUnauthorized)
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return NewAppError("BAD_REQUEST", message, http.StatusBadRequest, ErrBadRequest)
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return NewAppError("VALIDATION_ERROR", message, http.StatusUnprocessableEntity, ErrBadRequest)
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return NewAppError("CONFLICT", message, http.StatusConflict, ErrConflict)
}

// PaymentRequired is returned when an account cannot pay for a request.
func PaymentRequired(code, message string) *AppError {
	return NewAppError(code, message, http.StatusPaymentRequired, ErrPaymentRequired)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *AppError {
	if message == "" {
		message = "too many requests"
	}
	return NewAppError("RATE_LIMITED", message, http.StatusTooManyRequests, ErrRateLimited)
}

// BadGateway is returned when a third party rejected or failed a call.
func BadGateway(message string, err error) *AppError {
	return NewAppError("UPSTREAM_ERROR", message, http.StatusBadGateway, errors.Join(ErrUpstream, err))
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(message string) *AppError {
	return NewAppError("SERVICE_UNAVAILABLE", message, http.StatusServiceUnavailable, ErrServiceUnavailable)
}

// Internal creates an internal error. The message is shown to clients; err is not.
func Internal(message string, err error) *AppError {
	return NewAppError("INTERNAL_ERROR", message, http.StatusInternalServerError, errors.Join(ErrInternal, err))
}

// GetStatusCode returns the HTTP status code for an error.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
