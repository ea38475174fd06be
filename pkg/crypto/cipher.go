package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCiphertext is returned for payloads that are truncated or fail authentication.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

const hkdfInfo = "launchpad account token"

// Box seals short secrets such as provider tokens with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32 byte key from secret via HKDF-SHA256.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Seal returns nonce||ciphertext for plaintext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open reverses Seal.
func (b *Box) Open(payload []byte) (string, error) {
	size := b.aead.NonceSize()
	if len(payload) < size+b.aead.Overhead() {
		return "", ErrCiphertext
	}
	plain, err := b.aead.Open(nil, payload[:size], payload[size:], nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}
