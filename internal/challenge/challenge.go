// Package challenge manages single-use WebAuthn ceremony challenges.
//
// Each principal has at most one live challenge. Issuing replaces the prior
// one; consuming removes the record before the value is even compared, so a
// challenge is gone after the first verification attempt regardless of its
// outcome.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/storage"
)

const (
	// ValueSize is the challenge entropy in bytes.
	ValueSize = 32
	// DefaultTTL bounds how long an unconsumed challenge stays valid.
	DefaultTTL = 60 * time.Second
)

var (
	// ErrNotFound indicates no live challenge exists for the principal.
	ErrNotFound = apperrors.New(apperrors.CodeChallengeNotFound, "no live challenge for principal")
	// ErrExpired indicates the challenge outlived its TTL.
	ErrExpired = apperrors.New(apperrors.CodeChallengeExpired, "challenge is expired")
	// ErrMismatch indicates the presented value differs from the stored one.
	ErrMismatch = apperrors.New(apperrors.CodeChallengeMismatch, "challenge value mismatch")
)

// Challenge is a minted single-use challenge.
type Challenge struct {
	PrincipalID string
	Value       []byte
	IssuedAt    time.Time
}

// Store issues and consumes challenges over a persistence backend.
type Store struct {
	backend storage.ChallengeStore
	ttl     time.Duration
	clock   func() time.Time
	random  func([]byte) (int, error)
}

// NewStore builds a challenge store with the default TTL.
func NewStore(backend storage.ChallengeStore) *Store {
	return &Store{
		backend: backend,
		ttl:     DefaultTTL,
		clock:   time.Now,
		random:  rand.Read,
	}
}

// WithTTL overrides the challenge TTL.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithClock overrides the store clock, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// TTL reports the configured challenge lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue mints a fresh challenge for the principal, overwriting any prior live
// challenge. Only one challenge per principal is ever live.
func (s *Store) Issue(ctx context.Context, principalID string) (Challenge, error) {
	if s == nil || s.backend == nil {
		return Challenge{}, fmt.Errorf("challenge backend is not configured")
	}
	if principalID == "" {
		return Challenge{}, fmt.Errorf("principal id is required")
	}

	value := make([]byte, ValueSize)
	if _, err := s.random(value); err != nil {
		return Challenge{}, fmt.Errorf("read random challenge bytes: %w", err)
	}

	return s.Record(ctx, principalID, value)
}

// Record stores an externally minted challenge value for the principal,
// overwriting any prior live challenge. Used when the WebAuthn layer mints
// the value but this store still owns its lifecycle.
func (s *Store) Record(ctx context.Context, principalID string, value []byte) (Challenge, error) {
	if s == nil || s.backend == nil {
		return Challenge{}, fmt.Errorf("challenge backend is not configured")
	}
	if principalID == "" {
		return Challenge{}, fmt.Errorf("principal id is required")
	}
	if len(value) < 16 {
		return Challenge{}, fmt.Errorf("challenge value must carry at least 16 bytes")
	}

	minted := Challenge{
		PrincipalID: principalID,
		Value:       value,
		IssuedAt:    s.clock().UTC(),
	}
	if err := s.backend.UpsertChallenge(ctx, storage.ChallengeRecord{
		PrincipalID: minted.PrincipalID,
		Value:       minted.Value,
		IssuedAt:    minted.IssuedAt,
	}); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return minted, nil
}

// Consume atomically takes the live challenge for the principal and checks
// expiry and exact byte equality against the presented value. The stored
// record is gone after this call no matter which branch is taken; the backend
// take is the serialization point, so two concurrent consumers cannot both
// succeed.
func (s *Store) Consume(ctx context.Context, principalID string, presented []byte) error {
	if s == nil || s.backend == nil {
		return fmt.Errorf("challenge backend is not configured")
	}
	if principalID == "" {
		return fmt.Errorf("principal id is required")
	}

	record, err := s.backend.TakeChallenge(ctx, principalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("take challenge: %w", err)
	}

	if s.clock().UTC().Sub(record.IssuedAt) > s.ttl {
		return ErrExpired
	}
	if len(presented) != len(record.Value) || subtle.ConstantTimeCompare(record.Value, presented) != 1 {
		return ErrMismatch
	}
	return nil
}
