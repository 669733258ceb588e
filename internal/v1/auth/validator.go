// Package auth validates the bearer tokens clients present over the wire
// and owns the Origin allow-list used during WebSocket upgrades.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/logging"
)

// MinEntropyBits is the advisory floor for JWT secret quality. NIST SP
// 800-63B recommends 112 bits for secrets; 80 keeps existing deployments
// working while still flagging obviously weak values.
const MinEntropyBits = 80.0

const expLeeway = 60 * time.Second

// Claims are the registered claims plus the display name carried by the
// issuing media server.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Validator checks HMAC-SHA256 bearer tokens against a shared secret. When
// Enabled is false (no secret configured) every token validates as the
// anonymous identity.
type Validator struct {
	secret   []byte
	audience string
	issuer   string

	// Enabled is false when no secret is configured; room operations are
	// then open to self-declared identities.
	Enabled bool
}

// NewValidator builds a Validator. An empty secret disables authentication
// globally; a short or low-entropy secret logs an advisory but still runs.
func NewValidator(secret, audience, issuer string) *Validator {
	enabled := secret != ""
	if !enabled {
		logging.Warn(context.Background(), "JWT_SECRET not set, authentication DISABLED")
	} else {
		if len(secret) < 32 {
			logging.Warn(context.Background(), "JWT_SECRET is too short, use at least 32 characters")
		}
		if e := shannonEntropyBits(secret); e < MinEntropyBits {
			logging.Warn(context.Background(), "JWT_SECRET has low entropy, use a cryptographically random secret",
				zap.Float64("entropy_bits", e),
				zap.Float64("minimum_bits", MinEntropyBits))
		}
	}
	return &Validator{
		secret:   []byte(secret),
		audience: audience,
		issuer:   issuer,
		Enabled:  enabled,
	}
}

// ValidateToken parses and verifies a token string, returning its claims.
// With authentication disabled it returns the anonymous identity without
// touching the token.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if !v.Enabled {
		return &Claims{
			Name: "Anonymous",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  "anonymous",
				Audience: jwt.ClaimStrings{v.audience},
				Issuer:   v.issuer,
			},
		}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(expLeeway),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}

// shannonEntropyBits estimates the entropy of s as per-character Shannon
// entropy times length.
func shannonEntropyBits(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var perChar float64
	for _, count := range freq {
		p := float64(count) / float64(n)
		perChar -= p * math.Log2(p)
	}
	return perChar * float64(n)
}
