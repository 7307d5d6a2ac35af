package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoSealer is returned when a credential operation runs without a configured key.
var ErrNoSealer = errors.New("credential sealing key not configured")

// Sealer encrypts rail signing credentials at rest with XChaCha20-Poly1305.
// The wallet id is bound as associated data so a sealed blob cannot be
// moved to another wallet.
type Sealer struct {
	key []byte
}

// NewSealer builds a sealer from a hex encoded 32 byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext for walletID. Output is nonce||ciphertext.
func (s *Sealer) Seal(walletID string, plaintext []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSealer
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(walletID)), nil
}

// Open decrypts a blob produced by Seal for the same walletID.
func (s *Sealer) Open(walletID string, sealed []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSealer
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(walletID))
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	return plaintext, nil
}
