package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoEncryptionKey is returned when an encrypted entry is touched
	// without a configured key.
	ErrNoEncryptionKey = errors.New("encryption key not configured")

	// ErrBadCiphertext is returned when stored ciphertext cannot be opened.
	ErrBadCiphertext = errors.New("cannot decrypt config value")
)

// sealer encrypts config values at rest with AES-GCM. The key lives in
// process configuration, never in the database.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *sealer) Open(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrBadCiphertext
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}
