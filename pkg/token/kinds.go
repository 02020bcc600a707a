package token

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-mfa/pkg/otp"
)

type hotpKind struct{}

// HOTP returns the counter based kind.
func HOTP() Kind { return hotpKind{} }

func (hotpKind) Type() Type                   { return TypeHOTP }
func (hotpKind) OTPLength(t *Token) int       { return t.Params().Digits }
func (hotpKind) ChallengeMode() ChallengeMode { return ChallengeOptional }

func (hotpKind) Check(_ context.Context, t *Token, code string, env Env) (Match, error) {
	return checkHOTP(t, code, env)
}

func (hotpKind) Prompt(_ context.Context, t *Token, _ time.Time) (Prompt, error) {
	return Prompt{Counter: t.Counter}, nil
}

func checkHOTP(t *Token, code string, env Env) (Match, error) {
	c, err := otp.VerifyHOTP(t.Secret, t.Counter, code, t.Params(), env.Window)
	if err != nil {
		return Match{}, err
	}
	return Match{Counter: c, HasCounter: true}, nil
}

type totpKind struct{}

// TOTP returns the time based kind.
func TOTP() Kind { return totpKind{} }

func (totpKind) Type() Type                   { return TypeTOTP }
func (totpKind) OTPLength(t *Token) int       { return t.Params().Digits }
func (totpKind) ChallengeMode() ChallengeMode { return ChallengeOptional }

func (totpKind) Check(_ context.Context, t *Token, code string, env Env) (Match, error) {
	p := otp.TOTPParams{Params: t.Params(), Step: t.Step()}
	m, err := otp.VerifyTOTP(t.Secret, env.Now, code, p, t.TimeShift, env.Drift, t.Counter)
	if err != nil {
		return Match{}, err
	}
	return Match{Counter: m.Counter, HasCounter: true, ShiftDelta: m.Delta}, nil
}

func (totpKind) Prompt(_ context.Context, t *Token, _ time.Time) (Prompt, error) {
	return Prompt{}, nil
}

// oobKind delivers an HOTP code through a notification channel. A code typed
// without a challenge is still checked against the counter window.
type oobKind struct {
	typ     Type
	channel string
}

// OutOfBand returns a kind that delivers codes over channel.
func OutOfBand(typ Type, channel string) Kind {
	return oobKind{typ: typ, channel: channel}
}

func (k oobKind) Type() Type                 { return k.typ }
func (oobKind) OTPLength(t *Token) int       { return t.Params().Digits }
func (oobKind) ChallengeMode() ChallengeMode { return ChallengeAlways }

func (oobKind) Check(_ context.Context, t *Token, code string, env Env) (Match, error) {
	return checkHOTP(t, code, env)
}

func (k oobKind) Prompt(_ context.Context, t *Token, _ time.Time) (Prompt, error) {
	if t.Destination == "" {
		return Prompt{}, ErrNoDestination
	}
	code, err := otp.GenerateHOTP(t.Secret, t.Counter, t.Params())
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		Code:        code,
		Counter:     t.Counter,
		Channel:     k.channel,
		Destination: t.Destination,
	}, nil
}

// RemoteVerifier checks a value against a system outside this server.
// It returns false with a nil error when the remote side rejects the value.
type RemoteVerifier interface {
	Verify(ctx context.Context, t *Token, value string) (bool, error)
}

type remoteKind struct {
	typ      Type
	verifier RemoteVerifier
	length   int
}

// Remote returns a kind that forwards the OTP part to verifier. A negative
// otpLength forwards the whole presented value without a local PIN check.
func Remote(typ Type, verifier RemoteVerifier, otpLength int) Kind {
	return remoteKind{typ: typ, verifier: verifier, length: otpLength}
}

func (k remoteKind) Type() Type                 { return k.typ }
func (k remoteKind) OTPLength(*Token) int       { return k.length }
func (remoteKind) ChallengeMode() ChallengeMode { return ChallengeNever }

func (k remoteKind) Check(ctx context.Context, t *Token, code string, _ Env) (Match, error) {
	ok, err := k.verifier.Verify(ctx, t, code)
	if err != nil {
		return Match{}, err
	}
	if !ok {
		return Match{}, ErrNoMatch
	}
	return Match{}, nil
}

type spassKind struct{}

// SPass returns the static password kind: the PIN alone authenticates.
func SPass() Kind { return spassKind{} }

func (spassKind) Type() Type                   { return TypeSPass }
func (spassKind) OTPLength(*Token) int         { return 0 }
func (spassKind) ChallengeMode() ChallengeMode { return ChallengeNever }

func (spassKind) Check(_ context.Context, _ *Token, code string, _ Env) (Match, error) {
	if code != "" {
		return Match{}, ErrNoMatch
	}
	return Match{}, nil
}
