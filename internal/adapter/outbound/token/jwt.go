package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/imagegen/server/internal/port/outbound"
)

var ErrInvalidToken = errors.New("invalid token")

// Config holds JWT configuration.
type Config struct {
	Secret string
	// Issuer is checked when set.
	Issuer string
}

// jwtManager implements outbound.TokenPort with HS256 tokens whose subject is the account id.
type jwtManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(cfg *Config) outbound.TokenPort {
	return &jwtManager{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// IssueAccessToken signs an access token for an account.
func (m *jwtManager) IssueAccessToken(accountID uuid.UUID, email string, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(ttl)

	claims := jwt.MapClaims{
		"sub": accountID.String(),
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if m.issuer != "" {
		claims["iss"] = m.issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken validates an access token and extracts the account id.
func (m *jwtManager) ValidateAccessToken(tokenString string) (*outbound.AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	accountID, err := uuid.Parse(sub)
	if err != nil || accountID == uuid.Nil {
		return nil, fmt.Errorf("%w: subject is not an account id", ErrInvalidToken)
	}

	out := &outbound.AccessClaims{AccountID: accountID}
	out.Email, _ = claims["email"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Compile-time check
var _ outbound.TokenPort = (*jwtManager)(nil)
