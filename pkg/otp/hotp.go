package otp

import (
	"crypto/subtle"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// generator holds the pre-encoded secret and resolved options so a window scan
// does not re-validate on every step.
type generator struct {
	secret string
	opts   hotp.ValidateOpts
}

func newGenerator(secret []byte, p Params) (*generator, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	algo, _ := p.algorithm()
	return &generator{
		secret: encodeSecret(secret),
		opts: hotp.ValidateOpts{
			Digits:    otp.Digits(p.Digits),
			Algorithm: algo,
		},
	}, nil
}

func (g *generator) code(counter uint64) (string, error) {
	code, err := hotp.GenerateCodeCustom(g.secret, counter, g.opts)
	if err != nil {
		return "", fmt.Errorf("otp: failed to generate HOTP code: %w", err)
	}
	return code, nil
}

// match compares in constant time. Length mismatches still run the compare.
func match(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// GenerateHOTP computes the RFC 4226 code for counter.
func GenerateHOTP(secret []byte, counter uint64, p Params) (string, error) {
	g, err := newGenerator(secret, p)
	if err != nil {
		return "", err
	}
	return g.code(counter)
}

// VerifyHOTP scans counters in [counter, counter+window] ascending and returns
// the first counter whose code equals presented. A negative window selects
// DefaultWindow. ErrNoMatch is returned when nothing in the window matches.
func VerifyHOTP(secret []byte, counter uint64, presented string, p Params, window int) (uint64, error) {
	g, err := newGenerator(secret, p)
	if err != nil {
		return 0, err
	}
	if window < 0 {
		window = DefaultWindow
	}
	for c := counter; c <= counter+uint64(window); c++ {
		code, err := g.code(c)
		if err != nil {
			return 0, err
		}
		if match(code, presented) {
			return c, nil
		}
	}
	return 0, ErrNoMatch
}

// FindHOTP is VerifyHOTP over an explicit inclusive range; used by resync searches.
func FindHOTP(secret []byte, from, to uint64, presented string, p Params) (uint64, error) {
	if to < from {
		return 0, ErrNoMatch
	}
	return VerifyHOTP(secret, from, presented, p, int(to-from))
}
