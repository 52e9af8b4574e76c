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

// PutCeremonySession stores a WebAuthn ceremony session.
func (s *Store) PutCeremonySession(ctx context.Context, session storage.CeremonySession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.Kind) == "" {
		return fmt.Errorf("session kind is required")
	}
	if strings.TrimSpace(session.PrincipalID) == "" {
		return fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(session.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ceremony_sessions (id, kind, principal_id, session_json, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    kind = excluded.kind,
    principal_id = excluded.principal_id,
    session_json = excluded.session_json,
    expires_at = excluded.expires_at;
`, session.ID, session.Kind, session.PrincipalID, session.SessionJSON, toMillis(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put ceremony session: %w", err)
	}
	return nil
}

// GetCeremonySession fetches a stored ceremony session.
func (s *Store) GetCeremonySession(ctx context.Context, id string) (storage.CeremonySession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CeremonySession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CeremonySession{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.CeremonySession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, principal_id, session_json, expires_at
FROM ceremony_sessions
WHERE id = ?;
`, id)

	var session storage.CeremonySession
	var expiresAt int64
	if err := row.Scan(&session.ID, &session.Kind, &session.PrincipalID, &session.SessionJSON, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CeremonySession{}, storage.ErrNotFound
		}
		return storage.CeremonySession{}, fmt.Errorf("get ceremony session: %w", err)
	}
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// DeleteCeremonySession removes a ceremony session.
func (s *Store) DeleteCeremonySession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ceremony_sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete ceremony session: %w", err)
	}
	return nil
}

// DeleteExpiredCeremonySessions purges sessions past their expiry.
func (s *Store) DeleteExpiredCeremonySessions(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ceremony_sessions WHERE expires_at < ?;`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired ceremony sessions: %w", err)
	}
	return nil
}
