// Package resync re-aligns HOTP and TOTP tokens whose counter or clock has
// drifted away from the server.
//
// Explicit resync takes two codes in one call. Auto-resync takes the two codes
// from two consecutive failed verifications: the first is remembered on the
// token and the second must come from the very next counter or time step.
package resync

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-mfa/pkg/metrics"
	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

const (
	// DefaultSyncWindow is the number of counter or time steps searched.
	DefaultSyncWindow = 1000
	// DefaultTimeout bounds the gap between the two halves of an auto-resync.
	DefaultTimeout = 5 * time.Minute
)

var (
	// ErrNoPair is returned when no matching code pair lies within the window.
	ErrNoPair = errors.New("resync: no matching otp pair in window")
	// ErrUnsupported is returned for token types without a counter.
	ErrUnsupported = errors.New("resync: token type cannot be resynchronised")
)

// Engine performs resynchronisation. The zero value is not usable; call New.
type Engine struct {
	window  int
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithSyncWindow sets the search window in steps.
func WithSyncWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithTimeout sets how long the first half of an auto-resync pair is kept.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records resync attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New returns an Engine with defaults applied.
func New(opts ...Option) *Engine {
	e := &Engine{
		window:  DefaultSyncWindow,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Window returns the configured search window.
func (e *Engine) Window() int { return e.window }

func counterBased(t *token.Token) bool {
	return t.Type == token.TypeHOTP || t.Type == token.TypeTOTP
}

// Resync searches for otp1 followed by otp2 and, on success, moves the token
// past otp2. HOTP requires the codes on consecutive counters ahead of the
// current one. TOTP searches both directions around now and only requires
// otp2 to come from a later step than otp1; the time shift is recomputed so
// that now maps onto the step of otp2. The token is unchanged on failure.
func (e *Engine) Resync(t *token.Token, otp1, otp2 string, now time.Time) error {
	err := e.resync(t, otp1, otp2, now)
	e.metrics.Resync("explicit", err == nil)
	if err != nil {
		e.logger.Info("resync failed", zap.String("serial", t.Serial), zap.Error(err))
		return err
	}
	e.logger.Info("resync succeeded",
		zap.String("serial", t.Serial),
		zap.Uint64("counter", t.Counter),
		zap.Int64("time_shift", t.TimeShift))
	return nil
}

func (e *Engine) resync(t *token.Token, otp1, otp2 string, now time.Time) error {
	if !counterBased(t) {
		return fmt.Errorf("%w: %s", ErrUnsupported, t.Type)
	}
	if t.Type == token.TypeHOTP {
		c, err := e.hotpPair(t, otp1, otp2)
		if err != nil {
			return err
		}
		t.Counter = c + 2
		t.Resync = nil
		return nil
	}
	c2, err := e.totpPair(t, otp1, otp2, now)
	if err != nil {
		return err
	}
	e.alignTOTP(t, c2, now)
	return nil
}

// hotpPair returns the counter of otp1 when otp2 sits on the next counter.
func (e *Engine) hotpPair(t *token.Token, otp1, otp2 string) (uint64, error) {
	p := t.Params()
	from, to := t.Counter, t.Counter+uint64(e.window)
	for from <= to {
		c, err := otp.FindHOTP(t.Secret, from, to, otp1, p)
		if errors.Is(err, otp.ErrNoMatch) {
			return 0, ErrNoPair
		}
		if err != nil {
			return 0, err
		}
		if _, err := otp.FindHOTP(t.Secret, c+1, c+1, otp2, p); err == nil {
			return c, nil
		} else if !errors.Is(err, otp.ErrNoMatch) {
			return 0, err
		}
		from = c + 1
	}
	return 0, ErrNoPair
}

// totpPair scans the steps around now+shift in ascending order and returns
// the step of otp2 for the closest pair with otp1 on an earlier step.
func (e *Engine) totpPair(t *token.Token, otp1, otp2 string, now time.Time) (uint64, error) {
	p := t.Params()
	centre := otp.TimeToCounter(now.Unix()+t.TimeShift, t.Step())
	w := uint64(e.window)
	lo := uint64(0)
	if centre > w {
		lo = centre - w
	}
	if lo < t.Counter {
		lo = t.Counter
	}
	seen := false
	for c := lo; c <= centre+w; c++ {
		code, err := otp.GenerateHOTP(t.Secret, c, p)
		if err != nil {
			return 0, err
		}
		if seen && equal(code, otp2) {
			return c, nil
		}
		if equal(code, otp1) {
			seen = true
		}
	}
	return 0, ErrNoPair
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// alignTOTP sets the shift so that now maps onto step c and marks c as used.
func (e *Engine) alignTOTP(t *token.Token, c uint64, now time.Time) {
	step := t.Step()
	base := otp.TimeToCounter(now.Unix(), step)
	t.TimeShift = (int64(c) - int64(base)) * int64(step)
	t.Counter = c + 1
	t.Resync = nil
}

// AutoResync implements token.Resyncer. The first call for a drifted code
// remembers its counter; a later call within the timeout whose code sits on
// the next counter completes the pair and realigns the token. Presenting the
// same code twice never completes a pair.
func (e *Engine) AutoResync(t *token.Token, code string, now time.Time) bool {
	if !counterBased(t) {
		return false
	}
	c, ok := e.locate(t, code, now)
	if !ok {
		return false
	}
	pending := t.Resync
	if pending == nil || now.Sub(pending.At) > e.timeout || now.Before(pending.At) {
		t.Resync = &token.PendingResync{Counter: c, At: now}
		return false
	}
	if c != pending.Counter+1 {
		e.metrics.Resync("auto", false)
		t.Resync = &token.PendingResync{Counter: c, At: now}
		return false
	}
	if t.Type == token.TypeHOTP {
		t.Counter = c + 1
		t.Resync = nil
	} else {
		e.alignTOTP(t, c, now)
	}
	e.metrics.Resync("auto", true)
	e.logger.Info("auto-resync succeeded",
		zap.String("serial", t.Serial),
		zap.Uint64("counter", t.Counter),
		zap.Int64("time_shift", t.TimeShift))
	return true
}

// locate finds the counter that produced code within the sync window.
func (e *Engine) locate(t *token.Token, code string, now time.Time) (uint64, bool) {
	if t.Type == token.TypeHOTP {
		c, err := otp.FindHOTP(t.Secret, t.Counter, t.Counter+uint64(e.window), code, t.Params())
		return c, err == nil
	}
	p := otp.TOTPParams{Params: t.Params(), Step: t.Step()}
	m, err := otp.VerifyTOTP(t.Secret, now, code, p, t.TimeShift, e.window, t.Counter)
	return m.Counter, err == nil
}

var _ token.Resyncer = (*Engine)(nil)
