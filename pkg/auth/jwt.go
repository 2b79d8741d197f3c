package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ParseBearer builds a Session from a bearer token. JWTs contribute their
// exp and sub claims; signatures are verified by the issuing auth service,
// not here. Opaque tokens yield a session that never expires.
func ParseBearer(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrNoSession
	}

	sess := &Session{AccessToken: token, Provider: "bearer"}
	if strings.Count(token, ".") != 2 {
		return sess, nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("auth.ParseBearer: %w", err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("auth.ParseBearer: exp claim: %w", err)
	}
	if exp != nil {
		sess.ExpiresAt = exp.Time
	}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		sess.Subject = sub
	}
	return sess, nil
}

// VerifyBearer builds a Session from a request token signed with key. Only
// HMAC-signed JWTs with an exp claim are accepted.
func VerifyBearer(token string, key []byte) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrNoSession
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth.VerifyBearer: %v: %w", err, ErrSessionExpired)
		}
		return nil, fmt.Errorf("auth.VerifyBearer: %v: %w", err, ErrInvalidToken)
	}

	sess := &Session{AccessToken: token, Provider: "bearer"}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		sess.ExpiresAt = exp.Time
	}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		sess.Subject = sub
	}
	return sess, nil
}
