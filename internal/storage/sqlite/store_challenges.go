package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/abstractwallet/internal/storage"
)

// UpsertChallenge records a challenge, replacing any prior one for the
// principal. The primary key on principal_id enforces the single live
// challenge invariant.
func (s *Store) UpsertChallenge(ctx context.Context, record storage.ChallengeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.PrincipalID) == "" {
		return fmt.Errorf("principal id is required")
	}
	if len(record.Value) == 0 {
		return fmt.Errorf("challenge value is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO challenges (principal_id, value, issued_at)
VALUES (?, ?, ?)
ON CONFLICT (principal_id) DO UPDATE SET
    value = excluded.value,
    issued_at = excluded.issued_at;
`, record.PrincipalID, record.Value, toMillis(record.IssuedAt))
	if err != nil {
		return fmt.Errorf("upsert challenge: %w", err)
	}
	return nil
}

// TakeChallenge removes and returns the live challenge for a principal in one
// statement. DELETE ... RETURNING makes the take atomic: of two concurrent
// callers only one sees the row, the other gets ErrNotFound.
func (s *Store) TakeChallenge(ctx context.Context, principalID string) (storage.ChallengeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChallengeRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principalID) == "" {
		return storage.ChallengeRecord{}, fmt.Errorf("principal id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM challenges
WHERE principal_id = ?
RETURNING principal_id, value, issued_at;
`, principalID)

	var record storage.ChallengeRecord
	var issuedAt int64
	if err := row.Scan(&record.PrincipalID, &record.Value, &issuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChallengeRecord{}, storage.ErrNotFound
		}
		return storage.ChallengeRecord{}, fmt.Errorf("take challenge: %w", err)
	}
	record.IssuedAt = fromMillis(issuedAt)
	return record, nil
}
