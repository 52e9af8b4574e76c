package keybinding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
)

// ErrInvalidEnvelope indicates a wrapped secret envelope that cannot be decoded.
var ErrInvalidEnvelope = apperrors.New(apperrors.CodeInvalidEnvelope, "wrapped secret envelope is invalid")

// WrappedSecret is the cryptographic envelope for a protected secret.
type WrappedSecret struct {
	Ciphertext []byte
	IV         []byte
}

// envelopeJSON is the persisted wire form; both fields round-trip exactly.
type envelopeJSON struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// MarshalJSON renders the envelope with base64 byte fields.
func (ws WrappedSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Ciphertext: base64.StdEncoding.EncodeToString(ws.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(ws.IV),
	})
}

// UnmarshalJSON decodes the persisted envelope and enforces the IV length.
func (ws *WrappedSecret) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidEnvelope, "decode wrapped secret envelope", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(raw.Ciphertext)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidEnvelope, "decode ciphertext", err)
	}
	iv, err := base64.StdEncoding.DecodeString(raw.IV)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidEnvelope, "decode iv", err)
	}
	if len(iv) != IVSize {
		return apperrors.New(apperrors.CodeInvalidEnvelope, fmt.Sprintf("iv must be %d bytes", IVSize))
	}
	ws.Ciphertext = ciphertext
	ws.IV = iv
	return nil
}
