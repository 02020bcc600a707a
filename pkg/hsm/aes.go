package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AESModule seals with AES-256-GCM under a key held in memory. The nonce is
// prepended to each ciphertext.
type AESModule struct {
	aead cipher.AEAD
}

// NewAESModule returns a module for a 32 byte key.
func NewAESModule(key []byte) (*AESModule, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("hsm: aes key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESModule{aead: aead}, nil
}

// NewAESModuleFromHex decodes a hex encoded key.
func NewAESModuleFromHex(key string) (*AESModule, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("hsm: decode key: %w", err)
	}
	return NewAESModule(raw)
}

func (m *AESModule) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, m.aead.NonceSize(), m.aead.NonceSize()+len(plaintext)+m.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *AESModule) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.aead.NonceSize()
	if len(ciphertext) < n+m.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plain, err := m.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plain, nil
}

var _ Module = (*AESModule)(nil)
