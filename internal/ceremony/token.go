package ceremony

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
)

// tokenGrace keeps the token valid past the challenge TTL. An expired
// ceremony then fails on the server-side session and challenge checks, which
// report it as unverified instead of a malformed request.
const tokenGrace = 5 * time.Minute

// ErrTokenInvalid indicates a ceremony token that fails signature or claim
// validation. The token is advisory routing only; the trust boundary stays the
// server-side challenge comparison.
var ErrTokenInvalid = apperrors.New(apperrors.CodeCeremonySessionInvalid, "ceremony token is invalid")

// TokenClaims carries the validated ceremony binding.
type TokenClaims struct {
	SessionID   string
	PrincipalID string
	Kind        Kind
	ExpiresAt   time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
}

// issueToken signs a ceremony token binding the session id, principal, and
// ceremony kind with the same expiry as the challenge.
func issueToken(secret []byte, sessionID, principalID string, kind Kind, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("ceremony token secret is required")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: string(kind),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign ceremony token: %w", err)
	}
	return signed, nil
}

// parseToken verifies a ceremony token and returns its binding. Every failure
// mode collapses to ErrTokenInvalid; callers never learn whether the
// signature, expiry, or shape was at fault.
func parseToken(secret []byte, token string, now func() time.Time) (TokenClaims, error) {
	if len(secret) == 0 {
		return TokenClaims{}, fmt.Errorf("ceremony token secret is required")
	}
	if now == nil {
		now = time.Now
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return TokenClaims{}, ErrTokenInvalid
	}
	if parsed.ID == "" || parsed.Subject == "" || parsed.Kind == "" || parsed.ExpiresAt == nil {
		return TokenClaims{}, ErrTokenInvalid
	}

	return TokenClaims{
		SessionID:   parsed.ID,
		PrincipalID: parsed.Subject,
		Kind:        Kind(parsed.Kind),
		ExpiresAt:   parsed.ExpiresAt.Time.UTC(),
	}, nil
}
