package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns message", func(t *testing.T) {
		err := &AppError{Code: "TEST_ERROR", Message: "test error message"}
		assert.Equal(t, "test error message", err.Error())
	})

	t.Run("Error includes wrapped error", func(t *testing.T) {
		err := &AppError{Code: "TEST_ERROR", Message: "test error message", Err: errors.New("wrapped error")}
		assert.Contains(t, err.Error(), "test error message")
		assert.Contains(t, err.Error(), "wrapped error")
	})

	t.Run("ToResponse", func(t *testing.T) {
		resp := NotFound("task").ToResponse()
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
		assert.Equal(t, "task not found", resp.Error.Message)
	})
}

func TestConstructors(t *testing.T) {
	cause := errors.New("stripe down")

	tests := []struct {
		name     string
		err      *AppError
		code     string
		status   int
		sentinel error
	}{
		{"not found", NotFound("task"), "NOT_FOUND", http.StatusNotFound, ErrNotFound},
		{"unauthorized", Unauthorized(""), "UNAUTHORIZED", http.StatusUnauthorized, ErrUnauthorized},
		{"bad request", BadRequest("bad"), "BAD_REQUEST", http.StatusBadRequest, ErrBadRequest},
		{"validation", ValidationError("prompt is required"), "VALIDATION_ERROR", http.StatusUnprocessableEntity, ErrBadRequest},
		{"conflict", Conflict("already finished"), "CONFLICT", http.StatusConflict, ErrConflict},
		{"payment required", PaymentRequired("INSUFFICIENT_CREDITS", "not enough credits"), "INSUFFICIENT_CREDITS", http.StatusPaymentRequired, ErrPaymentRequired},
		{"rate limited", RateLimited(""), "RATE_LIMITED", http.StatusTooManyRequests, ErrRateLimited},
		{"bad gateway", BadGateway("provider failed", cause), "UPSTREAM_ERROR", http.StatusBadGateway, ErrUpstream},
		{"unavailable", ServiceUnavailable("down"), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, ErrServiceUnavailable},
		{"internal", Internal("oops", cause), "INTERNAL_ERROR", http.StatusInternalServerError, ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.status, GetStatusCode(tt.err))
		})
	}

	assert.ErrorIs(t, BadGateway("provider failed", cause), cause)
	assert.Equal(t, "authentication required", Unauthorized("").Message)
	assert.Equal(t, "too many requests", RateLimited("").Message)
}

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"wrapped sentinel", errors.Join(errors.New("x"), ErrNotFound), http.StatusNotFound},
		{"payment", ErrPaymentRequired, http.StatusPaymentRequired},
		{"upstream", ErrUpstream, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetStatusCode(tt.err))
		})
	}
}
