// Package wallet generates wallet key material for verified principals.
//
// This is the narrow external-collaborator surface around the ceremony core:
// address derivation is a standard elliptic-curve library call, and the
// private key leaves this package only inside a key-binding envelope.
package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/louisbranch/abstractwallet/internal/keybinding"
)

// Wallet is a freshly generated secp256k1 wallet.
type Wallet struct {
	Address    string
	privateKey []byte
}

// New generates a wallet key pair and derives its address.
func New() (Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Wallet{}, fmt.Errorf("generate wallet key: %w", err)
	}
	return Wallet{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		privateKey: crypto.FromECDSA(key),
	}, nil
}

// Wrap seals the private key under the principal's derived wrapping key.
// The raw key is never returned to callers.
func (w Wallet) Wrap(principalName string) (keybinding.WrappedSecret, error) {
	key := keybinding.DeriveKey(principalName)
	wrapped, err := keybinding.Encrypt(w.privateKey, key)
	if err != nil {
		return keybinding.WrappedSecret{}, fmt.Errorf("wrap wallet key: %w", err)
	}
	return wrapped, nil
}

// Unwrap recovers a wallet private key from its envelope. Callers gate this
// behind a verified authentication ceremony.
func Unwrap(ws keybinding.WrappedSecret, principalName string) ([]byte, error) {
	return keybinding.Decrypt(ws, keybinding.DeriveKey(principalName))
}
