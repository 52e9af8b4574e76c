// Package storage defines persistence contracts for wallet identity data.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/principal"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// PrincipalStore persists wallet principal records.
type PrincipalStore interface {
	PutPrincipal(ctx context.Context, p principal.Principal) error
	GetPrincipal(ctx context.Context, principalID string) (principal.Principal, error)
	GetPrincipalByName(ctx context.Context, name string) (principal.Principal, error)
}

// Device stores a registered WebAuthn authenticator for a principal.
//
// CredentialJSON carries the full webauthn credential (public key, flags,
// attestation metadata); SignCount is duplicated into its own column so
// counter updates can be a single guarded SQL write.
type Device struct {
	CredentialID   string
	PrincipalID    string
	CredentialJSON string
	SignCount      uint32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// DeviceStore persists registered authenticator devices.
//
// Devices are never deleted by the core; revocation is out of scope.
type DeviceStore interface {
	PutDevice(ctx context.Context, device Device) error
	GetDevice(ctx context.Context, principalID, credentialID string) (Device, error)
	// ListDevicesByPrincipal returns devices in stable (created_at, credential_id) order.
	ListDevicesByPrincipal(ctx context.Context, principalID string) ([]Device, error)
	// UpdateDeviceCounter performs an atomic guarded counter write. It reports
	// whether the write happened; false with a nil error means the monotonicity
	// guard rejected the new value.
	UpdateDeviceCounter(ctx context.Context, principalID, credentialID string, newCount uint32, usedAt time.Time) (bool, error)
}

// ChallengeRecord stores the live challenge for a principal.
type ChallengeRecord struct {
	PrincipalID string
	Value       []byte
	IssuedAt    time.Time
}

// ChallengeStore persists at most one live challenge per principal.
type ChallengeStore interface {
	// UpsertChallenge records a challenge, replacing any prior one for the principal.
	UpsertChallenge(ctx context.Context, record ChallengeRecord) error
	// TakeChallenge atomically removes and returns the live challenge for a
	// principal. Concurrent callers race for the single delete; losers get
	// ErrNotFound.
	TakeChallenge(ctx context.Context, principalID string) (ChallengeRecord, error)
}

// CeremonySession stores server-side WebAuthn session data between the
// options call and the paired verify call.
type CeremonySession struct {
	ID          string
	Kind        string
	PrincipalID string
	SessionJSON string
	ExpiresAt   time.Time
}

// CeremonySessionStore persists in-flight ceremony state.
type CeremonySessionStore interface {
	PutCeremonySession(ctx context.Context, session CeremonySession) error
	GetCeremonySession(ctx context.Context, id string) (CeremonySession, error)
	DeleteCeremonySession(ctx context.Context, id string) error
	DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) error
}

// SecurityEvent records a security-relevant occurrence for audit.
type SecurityEvent struct {
	ID           string
	Kind         string
	PrincipalID  string
	CredentialID string
	Detail       string
	Timestamp    time.Time
}

// SecurityEventStore appends audit events.
type SecurityEventStore interface {
	AppendSecurityEvent(ctx context.Context, event SecurityEvent) error
}
