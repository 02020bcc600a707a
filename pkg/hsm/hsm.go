// Package hsm seals token secrets at rest.
//
// A Module encrypts and decrypts opaque blobs. AESModule keeps the key in
// process memory; Pool delegates to a PKCS#11 token through a bounded set of
// sessions.
package hsm

import (
	"context"
	"errors"
)

var (
	// ErrExhausted is returned when no session becomes available in time.
	ErrExhausted = errors.New("hsm: session pool exhausted")
	// ErrInvalidCiphertext indicates a sealed blob that cannot be opened.
	ErrInvalidCiphertext = errors.New("hsm: invalid ciphertext")
	// ErrInvalidPIN indicates the PIN was rejected by the token.
	ErrInvalidPIN = errors.New("hsm: invalid PIN")
	// ErrClosed is returned by a pool after Close.
	ErrClosed = errors.New("hsm: pool closed")
)

// Module seals and opens secrets.
type Module interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
