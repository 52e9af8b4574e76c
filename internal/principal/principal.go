// Package principal provides wallet principal identity management.
package principal

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/platform/id"
)

var (
	// ErrEmptyName indicates a missing principal name.
	ErrEmptyName = apperrors.New(apperrors.CodePrincipalEmptyName, "principal name is required")
	// ErrInvalidName indicates a name that does not match the required format.
	ErrInvalidName = apperrors.New(apperrors.CodePrincipalInvalidName, "principal name must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")

	namePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
)

// Principal represents a stable wallet identity record.
//
// The name is the handle users type in; the ID is the opaque user handle sent
// to authenticators. Both are immutable once created.
type Principal struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateName enforces canonical principal name constraints.
func ValidateName(s string) error {
	if !namePattern.MatchString(s) {
		return ErrInvalidName
	}
	return nil
}

// NormalizeName trims and lowercases a name before validation.
func NormalizeName(s string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "", ErrEmptyName
	}
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// New creates a durable principal identity from a validated name.
//
// The registry treats this as the canonical point where an untrusted name
// becomes a stable identity used by ceremonies and key binding.
func New(name string, now func() time.Time, idGenerator func() (string, error)) (Principal, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeName(name)
	if err != nil {
		return Principal{}, err
	}

	principalID, err := idGenerator()
	if err != nil {
		return Principal{}, fmt.Errorf("generate principal id: %w", err)
	}

	createdAt := now().UTC()
	return Principal{
		ID:        principalID,
		Name:      normalized,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
