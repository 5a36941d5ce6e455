package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager(&Config{Secret: "secret", Issuer: "imagegen"})
	accountID := uuid.New()

	token, expiresAt, err := m.IssueAccessToken(accountID, "a@example.com", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 2*time.Second)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, accountID, claims.AccountID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager(&Config{Secret: "secret", Issuer: "imagegen"})
	accountID := uuid.New()

	sign := func(claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(jwt.MapClaims{"sub": accountID.String(), "exp": exp, "iss": "imagegen"}, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", sign(jwt.MapClaims{"sub": accountID.String(), "exp": time.Now().Add(-time.Minute).Unix(), "iss": "imagegen"}, jwt.SigningMethodHS256, []byte("secret"))},
		{"missing exp", sign(jwt.MapClaims{"sub": accountID.String(), "iss": "imagegen"}, jwt.SigningMethodHS256, []byte("secret"))},
		{"wrong issuer", sign(jwt.MapClaims{"sub": accountID.String(), "exp": exp, "iss": "other"}, jwt.SigningMethodHS256, []byte("secret"))},
		{"subject not uuid", sign(jwt.MapClaims{"sub": "user-1", "exp": exp, "iss": "imagegen"}, jwt.SigningMethodHS256, []byte("secret"))},
		{"other algorithm", sign(jwt.MapClaims{"sub": accountID.String(), "exp": exp, "iss": "imagegen"}, jwt.SigningMethodHS512, []byte("secret"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateAccessToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
