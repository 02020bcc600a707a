package resync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jeremyhahn/go-mfa/pkg/metrics"
	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

var secret = []byte("12345678901234567890")

var rfcCodes = []string{
	"755224", "287082", "359152", "969429", "338314",
	"254676", "287922", "162583", "399871", "520489",
}

var now = time.Unix(1700000000, 0)

func codeAt(t *testing.T, c uint64) string {
	t.Helper()
	code, err := otp.GenerateHOTP(secret, c, otp.Params{Digits: 6})
	if err != nil {
		t.Fatalf("GenerateHOTP failed: %v", err)
	}
	return code
}

func TestResyncHOTP(t *testing.T) {
	tests := []struct {
		name        string
		window      int
		otp1, otp2  string
		wantErr     error
		wantCounter uint64
	}{
		{"consecutive pair", 10, rfcCodes[4], rfcCodes[5], nil, 6},
		{"pair at start", 10, rfcCodes[0], rfcCodes[1], nil, 2},
		{"gap between codes", 10, rfcCodes[2], rfcCodes[7], ErrNoPair, 0},
		{"reversed order", 10, rfcCodes[5], rfcCodes[4], ErrNoPair, 0},
		{"outside window", 3, rfcCodes[5], rfcCodes[6], ErrNoPair, 0},
		{"same code twice", 10, rfcCodes[3], rfcCodes[3], ErrNoPair, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)
			e := New(WithSyncWindow(tt.window))
			err := e.Resync(tok, tt.otp1, tt.otp2, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tok.Counter != tt.wantCounter {
				t.Fatalf("expected counter %d, got %d", tt.wantCounter, tok.Counter)
			}
		})
	}
}

func TestResyncHOTPRepeatedOTP1(t *testing.T) {
	// The pair must be found even when otp1 also appears earlier without a
	// matching successor.
	tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)
	tok.Counter = 100
	c1 := codeAt(t, 150)
	c2 := codeAt(t, 151)
	if err := New().Resync(tok, c1, c2, now); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if tok.Counter != 152 {
		t.Fatalf("expected counter 152, got %d", tok.Counter)
	}
}

func TestResyncTOTP(t *testing.T) {
	base := otp.TimeToCounter(now.Unix(), 30)
	tests := []struct {
		name      string
		c1, c2    uint64
		wantErr   error
		wantShift int64
	}{
		{"clock ahead", base + 10, base + 11, nil, 11 * 30},
		{"clock behind", base - 20, base - 19, nil, -19 * 30},
		{"non adjacent", base + 3, base + 6, nil, 6 * 30},
		{"reversed", base + 6, base + 5, ErrNoPair, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := token.New("TOTP0001", token.TypeTOTP, "alice", secret)
			err := New(WithSyncWindow(100)).Resync(tok, codeAt(t, tt.c1), codeAt(t, tt.c2), now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tok.TimeShift != tt.wantShift {
				t.Fatalf("expected shift %d, got %d", tt.wantShift, tok.TimeShift)
			}
			if err == nil && tok.Counter != tt.c2+1 {
				t.Fatalf("expected counter %d, got %d", tt.c2+1, tok.Counter)
			}
			if err != nil && tok.Counter != 0 {
				t.Fatalf("expected counter untouched, got %d", tok.Counter)
			}
		})
	}
}

func TestResyncTOTPThenVerify(t *testing.T) {
	base := otp.TimeToCounter(now.Unix(), 30)
	tok := token.New("TOTP0001", token.TypeTOTP, "alice", secret)
	if err := New().Resync(tok, codeAt(t, base+40), codeAt(t, base+41), now); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	later := now.Add(30 * time.Second)
	res, err := token.Verify(context.Background(), token.TOTP(), tok, codeAt(t, base+42), token.VerifyOptions{Now: later, Drift: 1})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Accepted() {
		t.Fatalf("expected next step accepted after resync, got %v", res.Reason)
	}
}

func TestResyncUnsupportedType(t *testing.T) {
	tok := token.New("SMS0001", token.TypeSMS, "alice", secret)
	if err := New().Resync(tok, rfcCodes[0], rfcCodes[1], now); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if New().AutoResync(tok, rfcCodes[0], now) {
		t.Fatal("expected auto-resync to refuse sms token")
	}
}

func TestAutoResyncHOTP(t *testing.T) {
	e := New(WithSyncWindow(20))
	tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)

	if e.AutoResync(tok, rfcCodes[5], now) {
		t.Fatal("first half must not succeed")
	}
	if tok.Resync == nil || tok.Resync.Counter != 5 {
		t.Fatalf("expected pending counter 5, got %+v", tok.Resync)
	}
	if tok.Counter != 0 {
		t.Fatalf("expected counter untouched, got %d", tok.Counter)
	}
	if e.AutoResync(tok, rfcCodes[5], now.Add(time.Second)) {
		t.Fatal("same code twice must not succeed")
	}
	if !e.AutoResync(tok, rfcCodes[6], now.Add(2*time.Second)) {
		t.Fatal("expected consecutive code to complete the pair")
	}
	if tok.Counter != 7 {
		t.Fatalf("expected counter 7, got %d", tok.Counter)
	}
	if tok.Resync != nil {
		t.Fatal("expected pending resync cleared")
	}
}

func TestAutoResyncRejects(t *testing.T) {
	tests := []struct {
		name   string
		second string
		delay  time.Duration
	}{
		{"gap", rfcCodes[8], time.Second},
		{"out of order", rfcCodes[4], time.Second},
		{"timed out", rfcCodes[6], 6 * time.Minute},
		{"unknown code", "000000", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)
			e.AutoResync(tok, rfcCodes[5], now)
			if e.AutoResync(tok, tt.second, now.Add(tt.delay)) {
				t.Fatal("expected auto-resync to fail")
			}
			if tok.Counter != 0 {
				t.Fatalf("expected counter untouched, got %d", tok.Counter)
			}
		})
	}
}

func TestAutoResyncTimeoutOption(t *testing.T) {
	e := New(WithTimeout(10 * time.Minute))
	tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)
	e.AutoResync(tok, rfcCodes[5], now)
	if !e.AutoResync(tok, rfcCodes[6], now.Add(6*time.Minute)) {
		t.Fatal("expected pair within extended timeout to succeed")
	}
}

func TestAutoResyncTOTPThroughVerify(t *testing.T) {
	base := otp.TimeToCounter(now.Unix(), 30)
	tok := token.New("TOTP0001", token.TypeTOTP, "alice", secret)
	opts := token.VerifyOptions{Now: now, Drift: 1, Resyncer: New()}

	res, err := token.Verify(context.Background(), token.TOTP(), tok, codeAt(t, base+10), opts)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Accepted() || tok.TimeShift != 0 {
		t.Fatalf("expected first drifted code rejected with shift 0, got %v shift=%d", res.Outcome, tok.TimeShift)
	}

	opts.Now = now.Add(30 * time.Second)
	res, err = token.Verify(context.Background(), token.TOTP(), tok, codeAt(t, base+11), opts)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Accepted() {
		t.Fatalf("expected second drifted code accepted, got %v", res.Reason)
	}
	if tok.TimeShift != 10*30 {
		t.Fatalf("expected shift 300, got %d", tok.TimeShift)
	}
	if tok.Counter != base+12 {
		t.Fatalf("expected counter %d, got %d", base+12, tok.Counter)
	}
	if tok.FailCount != 0 {
		t.Fatalf("expected fail count reset, got %d", tok.FailCount)
	}
}

func TestResyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(WithMetrics(metrics.New(reg)))
	tok := token.New("OATH0001", token.TypeHOTP, "alice", secret)
	e.Resync(tok, rfcCodes[1], rfcCodes[2], now)
	e.Resync(tok, rfcCodes[1], rfcCodes[2], now)

	expected := `
# HELP otpd_resync_total Resynchronisation attempts by mode and result.
# TYPE otpd_resync_total counter
otpd_resync_total{mode="explicit",result="failure"} 1
otpd_resync_total{mode="explicit",result="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "otpd_resync_total"); err != nil {
		t.Fatal(err)
	}
}
