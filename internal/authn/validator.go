// Package authn validates the bearer token carried by a client's AUTH
// frame and resolves it to a user id.
package authn

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps the key-lookup failure for a token signed with
// an unexpected method. Validate never returns it: every rejection is
// reported as ok == false, without detail, so callers can't use error
// text to probe why a token was rejected.
var ErrInvalidToken = errors.New("invalid token")

// Validator resolves an AUTH frame's token to a user id. Swapping in a
// different implementation (OAuth introspection, session lookup, ...)
// requires no change to WebSocketServer.
type Validator interface {
	Validate(token string) (userID string, ok bool)
}

// JWTValidator validates HS256-signed tokens carrying a "sub" claim,
// the default Validator wired by cmd/server.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a Validator around a shared HMAC secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies token, returning the subject claim as
// the user id.
func (v *JWTValidator) Validate(token string) (string, bool) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// StaticValidator accepts a fixed set of token -> userID mappings,
// useful for tests and local development without standing up a JWT
// issuer.
type StaticValidator struct {
	tokens map[string]string
}

// NewStaticValidator builds a Validator from a token->userID map.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticValidator{tokens: cp}
}

// Validate looks the token up in the static map.
func (v *StaticValidator) Validate(token string) (string, bool) {
	userID, ok := v.tokens[token]
	return userID, ok
}
