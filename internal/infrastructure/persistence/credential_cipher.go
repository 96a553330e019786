package persistence

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrCredentialDecrypt is returned when sealed credentials cannot be opened.
var ErrCredentialDecrypt = errors.New("persistence: cannot decrypt connection credentials")

const nonceSize = 24

// CredentialCipher seals connection secrets with NaCl secretbox.
type CredentialCipher struct {
	key [32]byte
}

// NewCredentialCipher derives a key from the configured secret. A 64 character
// hex string is used as the raw key; anything else is hashed with SHA-256.
// An empty secret returns nil, which stores credentials unsealed.
func NewCredentialCipher(secret string) *CredentialCipher {
	if secret == "" {
		return nil
	}
	c := &CredentialCipher{}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == 32 {
		copy(c.key[:], raw)
		return c
	}
	c.key = sha256.Sum256([]byte(secret))
	return c
}

// Seal encrypts plaintext and returns base64(nonce || box).
func (c *CredentialCipher) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal.
func (c *CredentialCipher) Open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < nonceSize+secretbox.Overhead {
		return nil, ErrCredentialDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrCredentialDecrypt
	}
	return out, nil
}
