package outbound

import (
	"time"

	"github.com/google/uuid"
)

// AccessClaims contains the claims of a validated access token.
type AccessClaims struct {
	AccountID uuid.UUID
	Email     string
	ExpiresAt time.Time
}

// TokenPort issues and validates bearer access tokens.
type TokenPort interface {
	IssueAccessToken(accountID uuid.UUID, email string, ttl time.Duration) (string, time.Time, error)
	ValidateAccessToken(token string) (*AccessClaims, error)
}
