// Package keybinding derives the wallet wrapping key and seals secrets with it.
//
// The key is derived from the principal's name alone with a slow KDF. The
// WebAuthn ceremony acts purely as an access-control gate in front of this
// derivation: callers must not invoke Decrypt until a ceremony has verified.
// The key material itself is not cryptographically bound to the
// authenticator's private key, and this package makes no attempt to hide that
// limitation.
package keybinding

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000
	// KeySize is the derived AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes. A fresh random IV is generated
	// per encryption; the same (key, iv) pair never seals two plaintexts.
	IVSize = 12

	// salt is fixed and application-scoped; the derivation must be
	// reproducible across devices from the name alone.
	salt = "abstractwallet-key-binding-v1"
)

// ErrDecryptionFailed indicates the authentication tag did not verify: wrong
// key, corrupted data, or wrong IV. Surfaced distinctly from ceremony
// failures since the caller already passed the ceremony gate.
var ErrDecryptionFailed = apperrors.New(apperrors.CodeDecryptionFailed, "secret decryption failed")

// DeriveKey derives the deterministic wrapping key for a principal name.
func DeriveKey(name string) []byte {
	return pbkdf2.Key([]byte(name), []byte(salt), Iterations, KeySize, sha256.New)
}

// Encrypt seals plaintext under the derived key with AES-256-GCM and a fresh
// random 12-byte IV.
func Encrypt(plaintext, key []byte) (WrappedSecret, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return WrappedSecret{}, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return WrappedSecret{}, fmt.Errorf("read random iv: %w", err)
	}

	return WrappedSecret{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
	}, nil
}

// Decrypt opens a wrapped secret. Any tag failure maps to ErrDecryptionFailed;
// corrupted input never yields plaintext.
func Decrypt(ws WrappedSecret, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ws.IV) != IVSize {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, ws.IV, ws.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return aead, nil
}
