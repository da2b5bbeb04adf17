package authn

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, sub string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := jwt.MapClaims{"sub": sub, "exp": exp.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTValidatorAcceptsValidToken(t *testing.T) {
	v := NewJWTValidator("topsecret")
	tok := signToken(t, "topsecret", "user-42", false)

	userID, ok := v.Validate(tok)
	assert.True(t, ok)
	assert.Equal(t, "user-42", userID)
}

func TestJWTValidatorRejectsWrongSecret(t *testing.T) {
	v := NewJWTValidator("topsecret")
	tok := signToken(t, "wrongsecret", "user-42", false)

	_, ok := v.Validate(tok)
	assert.False(t, ok)
}

func TestJWTValidatorRejectsExpiredToken(t *testing.T) {
	v := NewJWTValidator("topsecret")
	tok := signToken(t, "topsecret", "user-42", true)

	_, ok := v.Validate(tok)
	assert.False(t, ok)
}

func TestJWTValidatorRejectsMalformedToken(t *testing.T) {
	v := NewJWTValidator("topsecret")

	_, ok := v.Validate("not-a-jwt")
	assert.False(t, ok)
}

func TestStaticValidator(t *testing.T) {
	v := NewStaticValidator(map[string]string{"abc": "user-1"})

	userID, ok := v.Validate("abc")
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)

	_, ok = v.Validate("missing")
	assert.False(t, ok)
}
