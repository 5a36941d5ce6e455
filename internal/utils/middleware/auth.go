package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imagegen/server/internal/port/outbound"
)

const (
	// AuthorizationHeader is the header key for authorization.
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens.
	BearerPrefix = "Bearer "
	// AccountIDKey is the context key for the authenticated account ID.
	AccountIDKey = "account_id"
	// EmailKey is the context key for email.
	EmailKey = "email"
)

// TokenValidator defines the interface for access token validation.
type TokenValidator interface {
	ValidateAccessToken(token string) (*outbound.AccessClaims, error)
}

// Auth returns a middleware that validates bearer tokens.
// If the token is valid, it sets account_id and email in the context.
// If optional is true, the middleware will not abort on missing/invalid tokens.
func Auth(validator TokenValidator, optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			if !optional {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{
						"code":    "UNAUTHORIZED",
						"message": "Authorization header required",
					},
				})
				return
			}
			c.Next()
			return
		}

		claims, err := validator.ValidateAccessToken(token)
		if err != nil {
			if !optional {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{
						"code":    "INVALID_TOKEN",
						"message": "Invalid or expired token",
					},
				})
				return
			}
			c.Next()
			return
		}

		c.Set(AccountIDKey, claims.AccountID)
		c.Set(EmailKey, claims.Email)

		c.Next()
	}
}

// RequireAuth returns a middleware that requires a valid token.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return Auth(validator, false)
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(authHeader, BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, BearerPrefix))
}

// GetAccountID returns the account ID from context.
// Returns uuid.Nil if not found.
func GetAccountID(c *gin.Context) uuid.UUID {
	if val, exists := c.Get(AccountIDKey); exists {
		if accountID, ok := val.(uuid.UUID); ok {
			return accountID
		}
	}
	return uuid.Nil
}

// IsAuthenticated returns true if the caller is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	return GetAccountID(c) != uuid.Nil
}
