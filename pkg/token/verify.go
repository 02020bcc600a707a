package token

import (
	"context"
	"errors"
	"time"

	"github.com/jeremyhahn/go-mfa/pkg/otp"
)

// VerifyOptions tune a single verification.
type VerifyOptions struct {
	Now    time.Time
	Window int
	Drift  int
	// KeepFailCount leaves the fail counter untouched on success.
	KeepFailCount bool
	// Resyncer enables auto-resync when non-nil.
	Resyncer Resyncer
}

// Verify checks code against t with k and applies the counter and fail-count
// bookkeeping exactly once. Verification problems are reported in the result;
// only collaborator failures (for example an unreachable remote server) are
// returned as errors, in which case t is unchanged.
//
// A blocked token still evaluates the code and advances its counter on a
// match, but the result is always Rejected with ErrBlocked.
func Verify(ctx context.Context, k Kind, t *Token, code string, opts VerifyOptions) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	res := Result{Outcome: Rejected, Serial: t.Serial}

	if !t.Active {
		res.Reason, res.Message = ErrDisabled, "token disabled"
		return res, nil
	}
	if !t.InValidity(opts.Now) {
		res.Reason, res.Message = ErrOutsideValidity, "outside validity period"
		return res, nil
	}

	m, err := k.Check(ctx, t, code, Env{Now: opts.Now, Window: opts.Window, Drift: opts.Drift})
	switch {
	case err == nil:
	case errors.Is(err, ErrNoMatch):
	case errors.Is(err, otp.ErrInvalidConfig):
		res.Reason, res.Message = err, "token misconfigured"
		return res, nil
	default:
		return Result{}, err
	}

	matched := err == nil
	resynced := false
	if !matched && !t.Blocked() && opts.Resyncer != nil {
		resynced = opts.Resyncer.AutoResync(t, code, opts.Now)
		matched = resynced
	}
	if resynced {
		// The resyncer already moved the counter past the second code.
		m = Match{Counter: t.Counter - 1, HasCounter: true}
	}
	return settle(t, m, matched, !resynced, opts.KeepFailCount), nil
}

func apply(t *Token, m Match) {
	if m.ShiftDelta != 0 {
		t.TimeShift += m.ShiftDelta * int64(t.Step())
	}
	if m.HasCounter && m.Counter+1 > t.Counter {
		t.Counter = m.Counter + 1
	}
}

// Settle applies a match found outside Verify (for example against a
// challenge's delivered code) with the same blocked and fail-count rules.
func Settle(t *Token, m Match, matched bool, keepFailCount bool) Result {
	return settle(t, m, matched, true, keepFailCount)
}

func settle(t *Token, m Match, matched, applyMatch, keepFailCount bool) Result {
	res := Result{Outcome: Rejected, Serial: t.Serial}
	if !matched {
		t.IncFail()
		res.Reason, res.Message = ErrNoMatch, "wrong otp value"
		if t.Blocked() {
			res.Reason, res.Message = ErrBlocked, "failcounter exceeded"
		}
		return res
	}
	if applyMatch {
		apply(t, m)
	}
	t.Resync = nil
	if t.Blocked() {
		t.IncFail()
		res.Reason, res.Message = ErrBlocked, "failcounter exceeded"
		return res
	}
	if !keepFailCount {
		t.ResetFail()
	}
	if m.HasCounter {
		c := m.Counter
		res.Counter = &c
	}
	res.Outcome, res.Message = Accepted, "matching 1 tokens"
	return res
}
