package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long a session token stays valid.
const DefaultTokenTTL = time.Hour

// ErrUnauthorized is returned when a request carries no usable token.
var ErrUnauthorized = errors.New("server: unauthorized")

// sessionClaims are the claims of a session token. The subject is the
// session id.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Auth issues and verifies HS256 session tokens. A zero-length key disables
// token checks.
type Auth struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewAuth creates an Auth signing with key. A non-positive ttl means
// [DefaultTokenTTL].
func NewAuth(key string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Auth{key: []byte(key), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are issued and checked.
func (a *Auth) Enabled() bool { return a != nil && len(a.key) > 0 }

// Issue mints a token for sessionID. When auth is disabled the token is
// empty and only the expiry is returned.
func (a *Auth) Issue(sessionID string) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	if !a.Enabled() {
		return "", expiresAt, nil
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("server: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks token and returns the session id it was issued for.
func (a *Auth) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header or
// the "token" query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
