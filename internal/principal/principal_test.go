package principal

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   error
	}{
		{name: "lowercases", input: "Alice.Wallet", want: "alice.wallet"},
		{name: "trims", input: "  alice  ", want: "alice"},
		{name: "allows separators", input: "a_b-c.d", want: "a_b-c.d"},
		{name: "empty", input: "   ", err: ErrEmptyName},
		{name: "too short", input: "ab", err: ErrInvalidName},
		{name: "too long", input: strings.Repeat("a", 33), err: ErrInvalidName},
		{name: "space inside", input: "has space", err: ErrInvalidName},
		{name: "unicode", input: "ålice", err: ErrInvalidName},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeName(tc.input)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	created, err := New("Alice", func() time.Time { return now }, func() (string, error) { return "id-1", nil })
	if err != nil {
		t.Fatalf("new principal: %v", err)
	}
	if created.ID != "id-1" {
		t.Fatalf("expected id-1, got %q", created.ID)
	}
	if created.Name != "alice" {
		t.Fatalf("expected normalized name, got %q", created.Name)
	}
	if !created.CreatedAt.Equal(now.UTC()) || !created.UpdatedAt.Equal(now.UTC()) {
		t.Fatalf("expected timestamps %v, got %v / %v", now.UTC(), created.CreatedAt, created.UpdatedAt)
	}
}

func TestNewRejectsInvalidName(t *testing.T) {
	if _, err := New("!!", nil, nil); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestNewIDGeneratorError(t *testing.T) {
	_, err := New("alice", nil, func() (string, error) { return "", errors.New("rng failure") })
	if err == nil {
		t.Fatal("expected error from failing id generator")
	}
}
