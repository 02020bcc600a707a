package token

import (
	"context"
	"fmt"
	"time"
)

// ChallengeMode says whether a kind answers a PIN-only request with a challenge.
type ChallengeMode int

const (
	// ChallengeNever kinds never trigger challenges.
	ChallengeNever ChallengeMode = iota
	// ChallengeOptional kinds trigger only when policy allows their type.
	ChallengeOptional
	// ChallengeAlways kinds are challenge-response by nature (out-of-band delivery).
	ChallengeAlways
)

// Env carries the per-request verification parameters.
type Env struct {
	Now time.Time
	// Window is the HOTP look-ahead.
	Window int
	// Drift is the TOTP tolerance in steps either side of now.
	Drift int
}

// Match describes a successful comparison. Counter is only meaningful when
// HasCounter is set; ShiftDelta is in TOTP steps.
type Match struct {
	Counter    uint64
	HasCounter bool
	ShiftDelta int64
}

// Prompt is what a kind contributes to a new challenge.
type Prompt struct {
	// Code is the value to deliver out of band. Empty for kinds the user
	// answers from their own device.
	Code string
	// Counter is the HOTP counter that produced Code.
	Counter uint64
	// Channel names the delivery channel ("sms", "email", "push").
	Channel     string
	Destination string
}

// Kind verifies codes for one token type.
type Kind interface {
	Type() Type
	// OTPLength is the number of characters of the presented value that form
	// the OTP. A negative length means the whole value is forwarded and no
	// local PIN split happens.
	OTPLength(t *Token) int
	// Check compares code against the token without mutating it. It returns
	// ErrNoMatch when the code was evaluated and rejected.
	Check(ctx context.Context, t *Token, code string, env Env) (Match, error)
	ChallengeMode() ChallengeMode
}

// Challenger is implemented by kinds that can open a challenge.
type Challenger interface {
	Prompt(ctx context.Context, t *Token, now time.Time) (Prompt, error)
}

// Resyncer re-aligns a drifted token after a failed check. Implementations
// mutate the token only when they report success, apart from remembering the
// first half of a pair in Token.Resync.
type Resyncer interface {
	AutoResync(t *Token, code string, now time.Time) bool
}

// Repository resolves users to tokens and persists token state.
type Repository interface {
	FindByOwner(ctx context.Context, owner string) ([]*Token, error)
	Load(ctx context.Context, serial string) (*Token, error)
	Save(ctx context.Context, t *Token) error
	// Update loads the token, applies fn and saves the result atomically with
	// respect to other Update calls on the same serial. When fn returns an
	// error nothing is saved.
	Update(ctx context.Context, serial string, fn func(*Token) error) error
}

// Registry maps token types to kinds. It is built once at startup.
type Registry struct {
	kinds map[Type]Kind
}

// NewRegistry registers kinds; later kinds replace earlier ones of the same type.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[Type]Kind, len(kinds))}
	for _, k := range kinds {
		if k != nil {
			r.kinds[k.Type()] = k
		}
	}
	return r
}

// DefaultKinds returns the kinds that need no external collaborator.
func DefaultKinds() []Kind {
	return []Kind{
		HOTP(),
		TOTP(),
		OutOfBand(TypeSMS, "sms"),
		OutOfBand(TypeEmail, "email"),
		OutOfBand(TypePush, "push"),
		SPass(),
	}
}

// Lookup returns the kind for typ.
func (r *Registry) Lookup(typ Type) (Kind, error) {
	if r != nil {
		if k, ok := r.kinds[typ]; ok {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}
