package policy

import (
	"strconv"
	"strings"
	"time"
)

// PINMode selects how the PIN takes part in authentication.
type PINMode string

const (
	// PINToken requires the token PIN together with the OTP.
	PINToken PINMode = "token"
	// PINOnly authenticates on the PIN alone.
	PINOnly PINMode = "pinonly"
	// PINNone ignores the PIN and checks the OTP alone.
	PINNone PINMode = "none"
)

// Auth is the resolved authentication policy for one request.
type Auth struct {
	PINMode                 PINMode
	PrependPIN              bool
	ChallengeResponse       []string
	ChallengeResponsePIN    bool
	ChallengeValidity       time.Duration
	ChallengeText           string
	AutoResync              bool
	AutoResyncTimeout       time.Duration
	SyncWindow              int
	HOTPWindow              int
	TOTPWindow              int
	ResetFailCountOnSuccess bool
}

// Defaults returns the policy applied when no rule sets an action.
func Defaults() Auth {
	return Auth{
		PINMode:                 PINToken,
		PrependPIN:              true,
		ChallengeValidity:       120 * time.Second,
		ChallengeText:           "please enter otp: ",
		AutoResyncTimeout:       300 * time.Second,
		SyncWindow:              1000,
		HOTPWindow:              10,
		TOTPWindow:              1,
		ResetFailCountOnSuccess: true,
	}
}

// AllowsChallenge reports whether tokens of typ may answer a PIN-only request
// with a challenge.
func (a Auth) AllowsChallenge(typ string) bool {
	for _, t := range a.ChallengeResponse {
		if strings.EqualFold(t, typ) {
			return true
		}
	}
	return false
}

// Resolve reads every authentication action for user and client. Values that
// do not parse fall back to the default.
func Resolve(p Provider, user, client string) Auth {
	a := Defaults()
	if p == nil {
		return a
	}
	get := func(action string) (string, bool) {
		v, ok := p.Get(ScopeAuthentication, action, user, client)
		return strings.TrimSpace(v), ok
	}
	if v, ok := get(ActionOTPPIN); ok {
		switch m := PINMode(strings.ToLower(v)); m {
		case PINToken, PINOnly, PINNone:
			a.PINMode = m
		}
	}
	if v, ok := get(ActionChallengeResponse); ok {
		a.ChallengeResponse = strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		})
	}
	if v, ok := get(ActionChallengeText); ok && v != "" {
		a.ChallengeText = v
	}
	boolAction(get, ActionPrependPIN, &a.PrependPIN)
	boolAction(get, ActionChallengeResponsePIN, &a.ChallengeResponsePIN)
	boolAction(get, ActionAutoResync, &a.AutoResync)
	boolAction(get, ActionResetFailCountOnSuccess, &a.ResetFailCountOnSuccess)
	secondsAction(get, ActionChallengeValidity, &a.ChallengeValidity)
	secondsAction(get, ActionAutoResyncTimeout, &a.AutoResyncTimeout)
	intAction(get, ActionSyncWindow, 1, &a.SyncWindow)
	intAction(get, ActionHOTPWindow, 0, &a.HOTPWindow)
	intAction(get, ActionTOTPWindow, 0, &a.TOTPWindow)
	return a
}

type getter func(action string) (string, bool)

func boolAction(get getter, action string, dst *bool) {
	if v, ok := get(action); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func secondsAction(get getter, action string, dst *time.Duration) {
	if v, ok := get(action); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func intAction(get getter, action string, min int, dst *int) {
	if v, ok := get(action); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			*dst = n
		}
	}
}
