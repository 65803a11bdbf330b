package adminapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator sessions are long-lived; the token is stored in the
// operator's own tooling, not a browser.
const tokenTTL = 90 * 24 * time.Hour

// Claims carried by an operator bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer mints and validates operator tokens. The HMAC key is
// derived from the vault master secret, so rotating the master secret
// invalidates every outstanding session.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(key []byte) *TokenIssuer {
	return &TokenIssuer{key: key, ttl: tokenTTL, now: time.Now}
}

// WithClock pins the issuer's clock. Tests use this.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	i.now = now
	return i
}

// Mint issues a signed token for subject.
func (i *TokenIssuer) Mint(subject string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "porter",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: "operator",
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("adminapi: sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses and checks tokenStr, rejecting any signing method
// other than HMAC.
func (i *TokenIssuer) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("adminapi: token validation: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("adminapi: token invalid")
	}
	return claims, nil
}
