package token

import (
	"errors"
	"maps"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jeremyhahn/go-mfa/pkg/otp"
)

// Type identifies a token kind.
type Type string

const (
	TypeHOTP   Type = "hotp"
	TypeTOTP   Type = "totp"
	TypeSMS    Type = "sms"
	TypeEmail  Type = "email"
	TypePush   Type = "push"
	TypeRADIUS Type = "radius"
	TypeYubico Type = "yubico"
	TypeSPass  Type = "spass"
)

// DefaultMaxFail is the fail-count limit applied by New.
const DefaultMaxFail = 10

var (
	// ErrNotFound is returned by repositories for unknown serials.
	ErrNotFound = errors.New("token: not found")
	// ErrUnknownType indicates no Kind is registered for a token type.
	ErrUnknownType = errors.New("token: unknown token type")
	// ErrNoMatch indicates the presented value was evaluated and did not match.
	ErrNoMatch = otp.ErrNoMatch
	// ErrBlocked indicates the fail counter reached its maximum.
	ErrBlocked = errors.New("token: fail counter exceeded")
	// ErrDisabled indicates the token is administratively disabled.
	ErrDisabled = errors.New("token: token disabled")
	// ErrOutsideValidity indicates the token is used outside its validity period.
	ErrOutsideValidity = errors.New("token: outside validity period")
	// ErrNoDestination indicates an out-of-band token has nowhere to deliver to.
	ErrNoDestination = errors.New("token: no delivery destination configured")
)

// PendingResync remembers the first half of an auto-resync pair.
type PendingResync struct {
	Counter uint64
	At      time.Time
}

// Token is one enrolled credential.
type Token struct {
	Serial string
	Type   Type
	// Owner is the user the token is assigned to.
	Owner string
	// Secret is the raw shared secret. It only changes on administrative reset.
	Secret []byte
	// Counter is the next HOTP counter, or for TOTP the last accepted time
	// counter plus one.
	Counter uint64
	// TimeStep is the TOTP period in seconds.
	TimeStep int
	// TimeShift is the persisted TOTP drift correction in seconds.
	TimeShift int64
	Digits    int
	Algorithm otp.Algorithm
	PINHash   string
	FailCount int
	MaxFail   int
	Active    bool
	// ValidFrom and ValidUntil bound usage when non-zero.
	ValidFrom  time.Time
	ValidUntil time.Time
	// Destination is the phone number, mail address or device handle used by
	// out-of-band kinds.
	Destination string
	// Info holds kind specific settings such as the upstream RADIUS server.
	Info   map[string]string
	Resync *PendingResync
}

// New returns an active token with default digits, algorithm and fail limit.
func New(serial string, typ Type, owner string, secret []byte) *Token {
	t := &Token{
		Serial:    serial,
		Type:      typ,
		Owner:     owner,
		Secret:    append([]byte(nil), secret...),
		Digits:    6,
		Algorithm: otp.AlgorithmSHA1,
		MaxFail:   DefaultMaxFail,
		Active:    true,
		Info:      map[string]string{},
	}
	if typ == TypeTOTP {
		t.TimeStep = otp.DefaultTimeStep
	}
	return t
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Secret = append([]byte(nil), t.Secret...)
	c.Info = maps.Clone(t.Info)
	if t.Resync != nil {
		r := *t.Resync
		c.Resync = &r
	}
	return &c
}

// Params returns the OTP parameters of the token, defaulting digits to 6.
func (t *Token) Params() otp.Params {
	d := t.Digits
	if d == 0 {
		d = 6
	}
	return otp.Params{Digits: d, Algorithm: t.Algorithm}
}

// Step returns the TOTP time step, defaulting to 30 seconds.
func (t *Token) Step() int {
	if t.TimeStep <= 0 {
		return otp.DefaultTimeStep
	}
	return t.TimeStep
}

// SetPIN stores a bcrypt hash of pin. An empty pin clears it.
func (t *Token) SetPIN(pin string, cost int) error {
	if pin == "" {
		t.PINHash = ""
		return nil
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return err
	}
	t.PINHash = string(hash)
	return nil
}

// CheckPIN reports whether pin matches. A token without a PIN only matches
// the empty string.
func (t *Token) CheckPIN(pin string) bool {
	if t.PINHash == "" {
		return pin == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(t.PINHash), []byte(pin)) == nil
}

// Blocked reports whether the fail counter reached its maximum.
func (t *Token) Blocked() bool {
	return t.MaxFail > 0 && t.FailCount >= t.MaxFail
}

// IncFail increments the fail counter, saturating at MaxFail.
func (t *Token) IncFail() {
	if t.Blocked() {
		t.FailCount = t.MaxFail
		return
	}
	t.FailCount++
}

// ResetFail clears the fail counter. This is also the administrative unblock.
func (t *Token) ResetFail() {
	t.FailCount = 0
}

// InValidity reports whether now falls inside the validity period.
func (t *Token) InValidity(now time.Time) bool {
	if !t.ValidFrom.IsZero() && now.Before(t.ValidFrom) {
		return false
	}
	if !t.ValidUntil.IsZero() && now.After(t.ValidUntil) {
		return false
	}
	return true
}
