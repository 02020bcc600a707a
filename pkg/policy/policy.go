// Package policy answers the per-request policy questions of the
// authentication flow: PIN handling, challenge eligibility and resync tuning.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

// ScopeAuthentication is the only scope the server consults.
const ScopeAuthentication = "authentication"

// Action names in ScopeAuthentication.
const (
	ActionOTPPIN                  = "otppin"
	ActionPrependPIN              = "prependpin"
	ActionChallengeResponse       = "challenge_response"
	ActionChallengeResponsePIN    = "challenge_response_pin"
	ActionChallengeValidity       = "challenge_validity"
	ActionChallengeText           = "challenge_text"
	ActionAutoResync              = "autoresync"
	ActionAutoResyncTimeout       = "autoresync_timeout"
	ActionSyncWindow              = "sync_window"
	ActionHOTPWindow              = "hotp_window"
	ActionTOTPWindow              = "totp_window"
	ActionResetFailCountOnSuccess = "reset_failcount_on_success"
)

// ErrInvalidRule is returned when a rule cannot be compiled.
var ErrInvalidRule = errors.New("policy: invalid rule")

// Provider is a read-only policy lookup.
type Provider interface {
	// Get returns the value of action for user and client, and whether any
	// rule sets it.
	Get(scope, action, user, client string) (string, bool)
}

// Rule sets actions for the requests it matches. An empty or "*" User
// matches everyone; an empty Client matches every address.
type Rule struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Scope   string            `mapstructure:"scope" yaml:"scope"`
	User    string            `mapstructure:"user" yaml:"user"`
	Client  string            `mapstructure:"client" yaml:"client"`
	Actions map[string]string `mapstructure:"actions" yaml:"actions"`
}

type compiledRule struct {
	scope   string
	user    string
	client  netip.Prefix
	anyAddr bool
	actions map[string]string
}

func (r compiledRule) matches(scope, user string, addr netip.Addr, addrOK bool) bool {
	if r.scope != scope {
		return false
	}
	if r.user != "" && r.user != "*" && r.user != user {
		return false
	}
	if r.anyAddr {
		return true
	}
	return addrOK && r.client.Contains(addr.Unmap())
}

func compile(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		c := compiledRule{
			scope:   r.Scope,
			user:    r.User,
			actions: make(map[string]string, len(r.Actions)),
		}
		if c.scope == "" {
			c.scope = ScopeAuthentication
		}
		for k, v := range r.Actions {
			c.actions[strings.ToLower(k)] = v
		}
		switch client := strings.TrimSpace(r.Client); {
		case client == "":
			c.anyAddr = true
		case strings.Contains(client, "/"):
			p, err := netip.ParsePrefix(client)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, r.Name, err)
			}
			c.client = p.Masked()
		default:
			a, err := netip.ParseAddr(client)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, r.Name, err)
			}
			a = a.Unmap()
			c.client = netip.PrefixFrom(a, a.BitLen())
		}
		out = append(out, c)
	}
	return out, nil
}

type snapshot struct {
	rules []compiledRule
}

// Static serves a rule set held in memory. Reload swaps the whole set at
// once, so a request never sees a mix of old and new rules.
type Static struct {
	snap atomic.Pointer[snapshot]
}

// NewStatic compiles rules into a provider.
func NewStatic(rules []Rule) (*Static, error) {
	s := &Static{}
	if err := s.Reload(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the rule set. On error the previous set stays active.
func (s *Static) Reload(rules []Rule) error {
	compiled, err := compile(rules)
	if err != nil {
		return err
	}
	s.snap.Store(&snapshot{rules: compiled})
	return nil
}

// Get returns the value set by the last matching rule.
func (s *Static) Get(scope, action, user, client string) (string, bool) {
	snap := s.snap.Load()
	if snap == nil {
		return "", false
	}
	addr, err := netip.ParseAddr(client)
	addrOK := err == nil
	action = strings.ToLower(action)
	var (
		value string
		found bool
	)
	for _, r := range snap.rules {
		if !r.matches(scope, user, addr, addrOK) {
			continue
		}
		if v, ok := r.actions[action]; ok {
			value, found = v, true
		}
	}
	return value, found
}

var _ Provider = (*Static)(nil)
