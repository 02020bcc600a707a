package otp

import (
	"encoding/base32"
	"errors"
	"fmt"

	"github.com/pquerna/otp"
)

// Algorithm represents the hash algorithm used for OTP generation.
type Algorithm string

const (
	// AlgorithmSHA1 uses SHA1 hash algorithm.
	AlgorithmSHA1 Algorithm = "SHA1"
	// AlgorithmSHA256 uses SHA256 hash algorithm.
	AlgorithmSHA256 Algorithm = "SHA256"
	// AlgorithmSHA512 uses SHA512 hash algorithm.
	AlgorithmSHA512 Algorithm = "SHA512"
)

// DefaultWindow is the HOTP look-ahead used when a caller passes a negative window.
const DefaultWindow = 10

// Common errors returned by the OTP core.
var (
	// ErrInvalidConfig indicates digits, algorithm or time step are unusable.
	ErrInvalidConfig = errors.New("otp: invalid configuration")
	// ErrNoMatch indicates the presented value matched no counter in the searched window.
	ErrNoMatch = errors.New("otp: no matching counter")
)

// Params describes how codes are derived from a shared secret.
type Params struct {
	// Digits is the code length, 6 or 8.
	Digits int
	// Algorithm is the HMAC hash. Empty means SHA1.
	Algorithm Algorithm
}

func (p Params) validate() error {
	if p.Digits != 6 && p.Digits != 8 {
		return fmt.Errorf("%w: digits must be 6 or 8, got %d", ErrInvalidConfig, p.Digits)
	}
	if _, err := p.algorithm(); err != nil {
		return err
	}
	return nil
}

func (p Params) algorithm() (otp.Algorithm, error) {
	switch p.Algorithm {
	case "", AlgorithmSHA1:
		return otp.AlgorithmSHA1, nil
	case AlgorithmSHA256:
		return otp.AlgorithmSHA256, nil
	case AlgorithmSHA512:
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("%w: algorithm must be SHA1, SHA256, or SHA512", ErrInvalidConfig)
	}
}

// ParseAlgorithm maps a stored algorithm name onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(s)
	if _, err := (Params{Digits: 6, Algorithm: a}).algorithm(); err != nil {
		return "", err
	}
	if a == "" {
		a = AlgorithmSHA1
	}
	return a, nil
}

func encodeSecret(secret []byte) string {
	return base32.StdEncoding.EncodeToString(secret)
}
