package token

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestNewAppliesDefaults(t *testing.T) {
	tok := New("OATH0001", TypeTOTP, "alice", []byte("secret"))
	if !tok.Active {
		t.Fatalf("expected new token to be active")
	}
	if tok.Digits != 6 || tok.MaxFail != DefaultMaxFail {
		t.Fatalf("unexpected defaults: digits=%d maxfail=%d", tok.Digits, tok.MaxFail)
	}
	if tok.TimeStep != 30 {
		t.Fatalf("expected 30s step for TOTP, got %d", tok.TimeStep)
	}
}

func TestPIN(t *testing.T) {
	tok := New("S1", TypeHOTP, "alice", nil)
	if !tok.CheckPIN("") {
		t.Fatalf("token without pin should match empty pin")
	}
	if tok.CheckPIN("1234") {
		t.Fatalf("token without pin should not match a pin")
	}
	if err := tok.SetPIN("1234", bcrypt.MinCost); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.PINHash == "1234" {
		t.Fatalf("pin stored in clear")
	}
	if !tok.CheckPIN("1234") {
		t.Fatalf("expected pin to match")
	}
	if tok.CheckPIN("") || tok.CheckPIN("12345") {
		t.Fatalf("expected other pins to fail")
	}
	if err := tok.SetPIN("", bcrypt.MinCost); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tok.CheckPIN("") {
		t.Fatalf("cleared pin should match empty string")
	}
}

func TestFailCounterSaturates(t *testing.T) {
	tok := New("S1", TypeHOTP, "alice", nil)
	tok.MaxFail = 3
	for i := 0; i < 10; i++ {
		tok.IncFail()
	}
	if tok.FailCount != 3 {
		t.Fatalf("expected fail count 3, got %d", tok.FailCount)
	}
	if !tok.Blocked() {
		t.Fatalf("expected token to be blocked")
	}
	tok.ResetFail()
	if tok.Blocked() || tok.FailCount != 0 {
		t.Fatalf("expected reset to unblock")
	}
}

func TestInValidity(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		from  time.Time
		until time.Time
		want  bool
	}{
		{"unbounded", time.Time{}, time.Time{}, true},
		{"inside", now.Add(-time.Hour), now.Add(time.Hour), true},
		{"not yet valid", now.Add(time.Hour), time.Time{}, false},
		{"expired", time.Time{}, now.Add(-time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := New("S1", TypeHOTP, "alice", nil)
			tok.ValidFrom, tok.ValidUntil = tt.from, tt.until
			if got := tok.InValidity(now); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	tok := New("S1", TypeHOTP, "alice", []byte{1, 2, 3})
	tok.Info["k"] = "v"
	tok.Resync = &PendingResync{Counter: 5}
	c := tok.Clone()
	c.Secret[0] = 9
	c.Info["k"] = "x"
	c.Resync.Counter = 7
	if tok.Secret[0] != 1 || tok.Info["k"] != "v" || tok.Resync.Counter != 5 {
		t.Fatalf("clone shares state with original")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(DefaultKinds()...)
	for _, typ := range []Type{TypeHOTP, TypeTOTP, TypeSMS, TypeEmail, TypePush, TypeSPass} {
		k, err := reg.Lookup(typ)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if k.Type() != typ {
			t.Fatalf("expected %s, got %s", typ, k.Type())
		}
	}
	if _, err := reg.Lookup(TypeRADIUS); err == nil {
		t.Fatalf("expected error for unregistered radius kind")
	}
}
