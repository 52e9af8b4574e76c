package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/abstractwallet/internal/principal"
	"github.com/louisbranch/abstractwallet/internal/storage"
)

// PutPrincipal persists a principal record. The insert is idempotent for
// retries carrying the same id.
func (s *Store) PutPrincipal(ctx context.Context, p principal.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("principal id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("principal name is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO principals (id, name, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at;
`, p.ID, p.Name, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put principal: %w", err)
	}
	return nil
}

// GetPrincipal fetches a principal by id.
func (s *Store) GetPrincipal(ctx context.Context, principalID string) (principal.Principal, error) {
	if err := ctx.Err(); err != nil {
		return principal.Principal{}, err
	}
	if s == nil || s.sqlDB == nil {
		return principal.Principal{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(principalID) == "" {
		return principal.Principal{}, fmt.Errorf("principal id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, created_at, updated_at FROM principals WHERE id = ?;
`, principalID)
	return scanPrincipal(row)
}

// GetPrincipalByName fetches a principal by its unique name.
func (s *Store) GetPrincipalByName(ctx context.Context, name string) (principal.Principal, error) {
	if err := ctx.Err(); err != nil {
		return principal.Principal{}, err
	}
	if s == nil || s.sqlDB == nil {
		return principal.Principal{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(name) == "" {
		return principal.Principal{}, fmt.Errorf("principal name is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, created_at, updated_at FROM principals WHERE name = ?;
`, name)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (principal.Principal, error) {
	var p principal.Principal
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(&p.ID, &p.Name, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return principal.Principal{}, storage.ErrNotFound
		}
		return principal.Principal{}, fmt.Errorf("scan principal: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}
