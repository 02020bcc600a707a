package policy

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStaticGet(t *testing.T) {
	p, err := NewStatic([]Rule{
		{Name: "all", User: "*", Actions: map[string]string{ActionOTPPIN: "token", ActionHOTPWindow: "5"}},
		{Name: "lan", Client: "10.0.0.0/8", Actions: map[string]string{ActionOTPPIN: "none"}},
		{Name: "alice", User: "alice", Actions: map[string]string{ActionOTPPIN: "pinonly"}},
		{Name: "host", Client: "192.168.1.7", Actions: map[string]string{ActionHOTPWindow: "20"}},
		{Name: "other scope", Scope: "enrollment", Actions: map[string]string{ActionOTPPIN: "other"}},
	})
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}

	tests := []struct {
		name      string
		action    string
		user      string
		client    string
		want      string
		wantFound bool
	}{
		{"wildcard", ActionOTPPIN, "bob", "", "token", true},
		{"client cidr overrides", ActionOTPPIN, "bob", "10.1.2.3", "none", true},
		{"user overrides earlier", ActionOTPPIN, "alice", "10.1.2.3", "pinonly", true},
		{"single host", ActionHOTPWindow, "bob", "192.168.1.7", "20", true},
		{"other host", ActionHOTPWindow, "bob", "192.168.1.8", "5", true},
		{"ipv4 mapped", ActionHOTPWindow, "bob", "::ffff:192.168.1.7", "20", true},
		{"bad client ignored for cidr rules", ActionOTPPIN, "bob", "not-an-ip", "token", true},
		{"unset action", ActionAutoResync, "bob", "", "", false},
		{"case insensitive action", "OTPPIN", "bob", "", "token", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := p.Get(ScopeAuthentication, tt.action, tt.user, tt.client)
			if got != tt.want || found != tt.wantFound {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tt.want, tt.wantFound, got, found)
			}
		})
	}
}

func TestStaticRejectsInvalidClient(t *testing.T) {
	_, err := NewStatic([]Rule{{Name: "broken", Client: "10.0.0.0/99"}})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestReloadKeepsOldRulesOnError(t *testing.T) {
	p, err := NewStatic([]Rule{{Actions: map[string]string{ActionAutoResync: "true"}}})
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	if err := p.Reload([]Rule{{Client: "bogus"}}); err == nil {
		t.Fatal("expected reload error")
	}
	if v, _ := p.Get(ScopeAuthentication, ActionAutoResync, "x", ""); v != "true" {
		t.Fatalf("expected old rules to remain, got %q", v)
	}
	if err := p.Reload(nil); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, found := p.Get(ScopeAuthentication, ActionAutoResync, "x", ""); found {
		t.Fatal("expected empty rule set after reload")
	}
}

func TestReloadIsSafeForConcurrentReaders(t *testing.T) {
	p, _ := NewStatic(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p.Get(ScopeAuthentication, ActionOTPPIN, "u", "10.0.0.1")
			}
		}()
	}
	for j := 0; j < 50; j++ {
		p.Reload([]Rule{{Actions: map[string]string{ActionOTPPIN: "none"}}})
	}
	wg.Wait()
}

func TestResolveDefaults(t *testing.T) {
	a := Resolve(nil, "alice", "")
	want := Defaults()
	if a.PINMode != PINToken || !a.PrependPIN || a.ChallengeValidity != 120*time.Second ||
		a.SyncWindow != want.SyncWindow || a.HOTPWindow != 10 || a.TOTPWindow != 1 ||
		!a.ResetFailCountOnSuccess || a.AutoResync || a.AutoResyncTimeout != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", a)
	}
	if a.AllowsChallenge("hotp") {
		t.Fatal("expected no challenge types by default")
	}
}

func TestResolve(t *testing.T) {
	p, err := NewStatic([]Rule{{Actions: map[string]string{
		ActionOTPPIN:               "PINONLY",
		ActionPrependPIN:           "false",
		ActionChallengeResponse:    "hotp, totp",
		ActionChallengeResponsePIN: "1",
		ActionChallengeValidity:    "60",
		ActionChallengeText:        "code please",
		ActionAutoResync:           "true",
		ActionAutoResyncTimeout:    "600",
		ActionSyncWindow:           "50",
		ActionHOTPWindow:           "0",
		ActionTOTPWindow:           "garbage",
	}}})
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	a := Resolve(p, "alice", "")
	if a.PINMode != PINOnly {
		t.Fatalf("expected pinonly, got %q", a.PINMode)
	}
	if a.PrependPIN || !a.ChallengeResponsePIN || !a.AutoResync {
		t.Fatalf("unexpected bools: %+v", a)
	}
	if !a.AllowsChallenge("HOTP") || !a.AllowsChallenge("totp") || a.AllowsChallenge("sms") {
		t.Fatalf("unexpected challenge types: %v", a.ChallengeResponse)
	}
	if a.ChallengeValidity != time.Minute || a.AutoResyncTimeout != 10*time.Minute {
		t.Fatalf("unexpected durations: %+v", a)
	}
	if a.ChallengeText != "code please" {
		t.Fatalf("unexpected text %q", a.ChallengeText)
	}
	if a.SyncWindow != 50 || a.HOTPWindow != 0 || a.TOTPWindow != 1 {
		t.Fatalf("unexpected windows: sync=%d hotp=%d totp=%d", a.SyncWindow, a.HOTPWindow, a.TOTPWindow)
	}
}
