// Package credential manages registered authenticator devices per principal.
package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/platform/id"
	"github.com/louisbranch/abstractwallet/internal/principal"
	"github.com/louisbranch/abstractwallet/internal/storage"
)

var (
	// ErrPrincipalNotFound indicates the principal has no identity record.
	ErrPrincipalNotFound = apperrors.New(apperrors.CodePrincipalNotFound, "principal not found")
	// ErrUnknownDevice indicates no registered device matches the credential id.
	ErrUnknownDevice = apperrors.New(apperrors.CodeUnknownDevice, "device is not registered for this principal")
	// ErrCounterRegression indicates an assertion carried a counter at or below
	// the stored value for a counter-bearing device.
	ErrCounterRegression = apperrors.New(apperrors.CodeCounterRegression, "signature counter did not advance")
)

// Registry is the durable per-principal store of registered devices.
//
// Device records hold the full webauthn credential as JSON; the signature
// counter lives in its own column so counter updates stay a single atomic
// guarded write. The column is authoritative and overrides the JSON copy on
// load.
type Registry struct {
	principals storage.PrincipalStore
	devices    storage.DeviceStore
	clock      func() time.Time
	newID      func() (string, error)
}

// NewRegistry builds a registry over principal and device persistence.
func NewRegistry(principals storage.PrincipalStore, devices storage.DeviceStore) *Registry {
	return &Registry{
		principals: principals,
		devices:    devices,
		clock:      time.Now,
		newID:      id.NewID,
	}
}

// WithClock overrides the registry clock, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// FindPrincipal resolves a normalized name to an existing principal.
func (r *Registry) FindPrincipal(ctx context.Context, name string) (principal.Principal, error) {
	normalized, err := principal.NormalizeName(name)
	if err != nil {
		return principal.Principal{}, err
	}
	found, err := r.principals.GetPrincipalByName(ctx, normalized)
	if err != nil {
		if err == storage.ErrNotFound {
			return principal.Principal{}, ErrPrincipalNotFound
		}
		return principal.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	return found, nil
}

// PrincipalByID resolves a stored principal id, as recovered from a ceremony
// token.
func (r *Registry) PrincipalByID(ctx context.Context, principalID string) (principal.Principal, error) {
	found, err := r.principals.GetPrincipal(ctx, principalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return principal.Principal{}, ErrPrincipalNotFound
		}
		return principal.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	return found, nil
}

// FindOrCreatePrincipal resolves a name, creating the identity on first use.
// The operation is idempotent by normalized name.
func (r *Registry) FindOrCreatePrincipal(ctx context.Context, name string) (principal.Principal, error) {
	found, err := r.FindPrincipal(ctx, name)
	if err == nil {
		return found, nil
	}
	if apperrors.GetCode(err) != apperrors.CodePrincipalNotFound {
		return principal.Principal{}, err
	}

	created, err := principal.New(name, r.clock, r.newID)
	if err != nil {
		return principal.Principal{}, err
	}
	if err := r.principals.PutPrincipal(ctx, created); err != nil {
		// A concurrent registration may have claimed the name first; the
		// surviving record wins either way.
		if existing, getErr := r.principals.GetPrincipalByName(ctx, created.Name); getErr == nil {
			return existing, nil
		}
		return principal.Principal{}, fmt.Errorf("put principal: %w", err)
	}
	return created, nil
}

// AddDevice stores a verified credential for the principal. Re-registering the
// same credential id is a no-op success so client retries stay idempotent.
func (r *Registry) AddDevice(ctx context.Context, principalID string, cred webauthn.Credential) error {
	credentialID := EncodeCredentialID(cred.ID)
	_, err := r.devices.GetDevice(ctx, principalID, credentialID)
	if err == nil {
		return nil
	}
	if err != storage.ErrNotFound {
		return fmt.Errorf("get device: %w", err)
	}

	credentialJSON, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	now := r.clock().UTC()
	if err := r.devices.PutDevice(ctx, storage.Device{
		CredentialID:   credentialID,
		PrincipalID:    principalID,
		CredentialJSON: string(credentialJSON),
		SignCount:      cred.Authenticator.SignCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// ListDevices returns the principal's credentials in stable registration order.
func (r *Registry) ListDevices(ctx context.Context, principalID string) ([]webauthn.Credential, error) {
	records, err := r.devices.ListDevicesByPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return decodeStoredDevices(records)
}

// FindDevice resolves a raw credential id to the stored credential.
func (r *Registry) FindDevice(ctx context.Context, principalID string, rawCredentialID []byte) (webauthn.Credential, error) {
	record, err := r.devices.GetDevice(ctx, principalID, EncodeCredentialID(rawCredentialID))
	if err != nil {
		if err == storage.ErrNotFound {
			return webauthn.Credential{}, ErrUnknownDevice
		}
		return webauthn.Credential{}, fmt.Errorf("get device: %w", err)
	}
	return decodeStoredDevice(record)
}

// UpdateCounter applies the post-assertion counter value. The storage layer
// performs the guarded write atomically; a rejected write on an existing
// device is the clone signal and fails the authentication.
func (r *Registry) UpdateCounter(ctx context.Context, principalID string, rawCredentialID []byte, newCounter uint32) error {
	credentialID := EncodeCredentialID(rawCredentialID)
	updated, err := r.devices.UpdateDeviceCounter(ctx, principalID, credentialID, newCounter, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("update device counter: %w", err)
	}
	if updated {
		return nil
	}

	if _, err := r.devices.GetDevice(ctx, principalID, credentialID); err != nil {
		if err == storage.ErrNotFound {
			return ErrUnknownDevice
		}
		return fmt.Errorf("get device: %w", err)
	}
	return ErrCounterRegression
}

// EncodeCredentialID renders a raw credential id as its storage key.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeStoredDevice(record storage.Device) (webauthn.Credential, error) {
	var cred webauthn.Credential
	if err := json.Unmarshal([]byte(record.CredentialJSON), &cred); err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
	}
	// The column is the source of truth after counter updates.
	cred.Authenticator.SignCount = record.SignCount
	return cred, nil
}

func decodeStoredDevices(records []storage.Device) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		cred, err := decodeStoredDevice(record)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, cred)
	}
	return credentials, nil
}
