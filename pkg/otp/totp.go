package otp

import (
	"fmt"
	"time"
)

// DefaultTimeStep is the TOTP period in seconds when none is configured.
const DefaultTimeStep = 30

// TimeToCounter converts a unix timestamp into a TOTP counter, rounding half up:
// int(unix/step + 0.5). Deployed tokens depend on this rounding, so it must not
// become floor or round-half-even.
func TimeToCounter(unix int64, step int) uint64 {
	if step <= 0 {
		step = DefaultTimeStep
	}
	if unix < 0 {
		return 0
	}
	s := int64(step)
	return uint64((2*unix + s) / (2 * s))
}

// TOTPParams extends Params with the time step.
type TOTPParams struct {
	Params
	// Step is the period in seconds.
	Step int
}

func (p TOTPParams) validate() error {
	if p.Step <= 0 {
		return fmt.Errorf("%w: time step must be positive", ErrInvalidConfig)
	}
	return p.Params.validate()
}

// TOTPMatch reports where a presented code matched.
type TOTPMatch struct {
	// Counter is the time counter that produced the code.
	Counter uint64
	// Delta is the number of steps between the matched counter and the counter
	// derived from now plus the current shift.
	Delta int64
}

// ShiftSeconds is the time-shift adjustment implied by the match.
func (m TOTPMatch) ShiftSeconds(step int) int64 {
	return m.Delta * int64(step)
}

// GenerateTOTP computes the code for t shifted by shift seconds.
func GenerateTOTP(secret []byte, t time.Time, shift int64, p TOTPParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	return GenerateHOTP(secret, TimeToCounter(t.Unix()+shift, p.Step), p.Params)
}

// VerifyTOTP searches counters within ±drift steps of the counter for t+shift.
// Counters below minCounter are never considered, which lets callers refuse
// codes at or before the last accepted step. The closest match to the centre
// wins; ties prefer the earlier counter.
func VerifyTOTP(secret []byte, t time.Time, presented string, p TOTPParams, shift int64, drift int, minCounter uint64) (TOTPMatch, error) {
	if err := p.validate(); err != nil {
		return TOTPMatch{}, err
	}
	if drift < 0 {
		drift = 0
	}
	g, err := newGenerator(secret, p.Params)
	if err != nil {
		return TOTPMatch{}, err
	}
	centre := TimeToCounter(t.Unix()+shift, p.Step)
	for d := 0; d <= drift; d++ {
		for _, sign := range []int64{-1, 1} {
			if d == 0 && sign == 1 {
				continue
			}
			delta := sign * int64(d)
			if delta < 0 && uint64(-delta) > centre {
				continue
			}
			c := uint64(int64(centre) + delta)
			if c < minCounter {
				continue
			}
			code, err := g.code(c)
			if err != nil {
				return TOTPMatch{}, err
			}
			if match(code, presented) {
				return TOTPMatch{Counter: c, Delta: delta}, nil
			}
		}
	}
	return TOTPMatch{}, ErrNoMatch
}
