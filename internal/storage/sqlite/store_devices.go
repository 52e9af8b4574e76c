package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/abstractwallet/internal/storage"
)

// PutDevice stores a registered authenticator device.
func (s *Store) PutDevice(ctx context.Context, device storage.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(device.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(device.PrincipalID) == "" {
		return fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(device.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if device.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*device.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO devices (credential_id, principal_id, credential_json, sign_count, created_at, updated_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (credential_id) DO UPDATE SET
    credential_json = excluded.credential_json,
    sign_count = excluded.sign_count,
    updated_at = excluded.updated_at,
    last_used_at = excluded.last_used_at;
`, device.CredentialID, device.PrincipalID, device.CredentialJSON, int64(device.SignCount),
		toMillis(device.CreatedAt), toMillis(device.UpdatedAt), lastUsed)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// GetDevice fetches a device by principal and credential id.
func (s *Store) GetDevice(ctx context.Context, principalID, credentialID string) (storage.Device, error) {
	if err := ctx.Err(); err != nil {
		return storage.Device{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Device{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principalID) == "" {
		return storage.Device{}, fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Device{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, principal_id, credential_json, sign_count, created_at, updated_at, last_used_at
FROM devices
WHERE principal_id = ? AND credential_id = ?;
`, principalID, credentialID)

	device, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Device{}, storage.ErrNotFound
		}
		return storage.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevicesByPrincipal returns devices in stable registration order.
func (s *Store) ListDevicesByPrincipal(ctx context.Context, principalID string) ([]storage.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principalID) == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, principal_id, credential_json, sign_count, created_at, updated_at, last_used_at
FROM devices
WHERE principal_id = ?
ORDER BY created_at, credential_id;
`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]storage.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// UpdateDeviceCounter performs the guarded counter write in a single UPDATE.
//
// The WHERE clause is the monotonicity check: a stored counter of zero marks a
// counter-exempt authenticator, otherwise the new value must strictly exceed
// the stored one. Zero affected rows with an existing device means the guard
// rejected the value.
func (s *Store) UpdateDeviceCounter(ctx context.Context, principalID, credentialID string, newCount uint32, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principalID) == "" {
		return false, fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(credentialID) == "" {
		return false, fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE devices
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE principal_id = ? AND credential_id = ? AND (sign_count = 0 OR ? > sign_count);
`, int64(newCount), toMillis(usedAt), toMillis(usedAt), principalID, credentialID, int64(newCount))
	if err != nil {
		return false, fmt.Errorf("update device counter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update device counter: %w", err)
	}
	return affected > 0, nil
}

type scanFunc func(dest ...any) error

func scanDevice(scan scanFunc) (storage.Device, error) {
	var device storage.Device
	var signCount int64
	var createdAt int64
	var updatedAt int64
	var lastUsed sql.NullInt64
	if err := scan(
		&device.CredentialID,
		&device.PrincipalID,
		&device.CredentialJSON,
		&signCount,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.Device{}, err
	}
	device.SignCount = uint32(signCount)
	device.CreatedAt = fromMillis(createdAt)
	device.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		device.LastUsedAt = &value
	}
	return device, nil
}
