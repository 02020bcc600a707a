// Package challenge keeps the ledger of outstanding challenge-response
// transactions.
//
// A challenge is single use: Consume succeeds for exactly one caller and a
// consumed, expired or unknown transaction id are indistinguishable to the
// caller. Lookups treat challenges past their validity as absent even before
// ExpireStale removes them.
package challenge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"
)

// Session tags distinguish ordinary authentication from special flows.
const (
	SessionAuth       = "auth"
	SessionEnrollment = "enrollment"
)

// DefaultValidity applies when a request carries no validity.
const DefaultValidity = 120 * time.Second

var (
	// ErrNotFound covers unknown, expired and already consumed transactions.
	ErrNotFound = errors.New("challenge: not found")
	// ErrInvalidRequest indicates a create request without a serial or user.
	ErrInvalidRequest = errors.New("challenge: serial and user are required")
)

// Challenge is one outstanding transaction.
type Challenge struct {
	TransactionID string        `json:"transaction_id"`
	Serial        string        `json:"serial"`
	User          string        `json:"user"`
	CreatedAt     time.Time     `json:"created_at"`
	Validity      time.Duration `json:"validity"`
	// CodeHash is the SHA-256 of a code delivered out of band. Empty when the
	// response is checked against the token itself.
	CodeHash string `json:"code_hash,omitempty"`
	// Counter is the token counter that produced the delivered code.
	Counter uint64 `json:"counter"`
	Session string `json:"session"`
	Message string `json:"message,omitempty"`
}

// ExpiresAt returns the end of the validity period.
func (c *Challenge) ExpiresAt() time.Time {
	return c.CreatedAt.Add(c.Validity)
}

// Expired reports whether now is past the validity period.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt())
}

// HasCode reports whether the challenge carries a delivered code.
func (c *Challenge) HasCode() bool {
	return c.CodeHash != ""
}

// MatchCode compares code with the delivered one in constant time.
func (c *Challenge) MatchCode(code string) bool {
	if c.CodeHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(c.CodeHash)) == 1
}

// HashCode returns the hex SHA-256 of code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Request describes a challenge to create.
type Request struct {
	Serial   string
	User     string
	Validity time.Duration
	// Code is hashed before storage; leave empty when nothing was delivered.
	Code    string
	Counter uint64
	Session string
	Message string
}

func (r Request) validate() error {
	if r.Serial == "" || r.User == "" {
		return ErrInvalidRequest
	}
	return nil
}

func (r Request) build(id string, now time.Time) *Challenge {
	c := &Challenge{
		TransactionID: id,
		Serial:        r.Serial,
		User:          r.User,
		CreatedAt:     now,
		Validity:      r.Validity,
		Counter:       r.Counter,
		Session:       r.Session,
		Message:       r.Message,
	}
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	if c.Session == "" {
		c.Session = SessionAuth
	}
	if r.Code != "" {
		c.CodeHash = HashCode(r.Code)
	}
	return c
}

// Ledger stores outstanding challenges.
type Ledger interface {
	// Create stores a new challenge and returns its transaction id.
	Create(ctx context.Context, req Request) (string, error)
	// Lookup returns a live challenge or ErrNotFound.
	Lookup(ctx context.Context, transactionID string) (*Challenge, error)
	// ListForUser returns the live challenges of user ordered by creation.
	ListForUser(ctx context.Context, user string) ([]*Challenge, error)
	// Consume removes a live challenge. Exactly one concurrent caller succeeds;
	// the others get ErrNotFound.
	Consume(ctx context.Context, transactionID string) error
	// ExpireStale physically removes expired challenges.
	ExpireStale(ctx context.Context) (int, error)
	// Reset removes every challenge of a token serial.
	Reset(ctx context.Context, serial string) (int, error)
}

type options struct {
	now    func() time.Time
	prefix string
}

// Option configures a ledger.
type Option func(*options)

// WithClock overrides the time source; primarily used for testing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithPrefix sets the key prefix of the Redis ledger.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, prefix: "otpd:challenge:"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
