package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/abstractwallet/internal/storage"
)

// AppendSecurityEvent records an audit event.
func (s *Store) AppendSecurityEvent(ctx context.Context, event storage.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO security_events (id, kind, principal_id, credential_id, detail, timestamp)
VALUES (?, ?, ?, ?, ?, ?);
`, event.ID, event.Kind, event.PrincipalID, event.CredentialID, event.Detail, toMillis(event.Timestamp))
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}
