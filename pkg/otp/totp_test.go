package otp

import (
	"errors"
	"testing"
	"time"
)

var (
	seed   = []byte("12345678901234567890")
	seed32 = []byte("12345678901234567890123456789012")
	seed64 = []byte("1234567890123456789012345678901234567890123456789012345678901234")
)

func TestRFC6238Vectors(t *testing.T) {
	tests := []struct {
		unix   int64
		sha1   string
		sha256 string
		sha512 string
	}{
		{59, "94287082", "46119246", "90693936"},
		{1111111109, "07081804", "68084774", "25091201"},
		{1111111111, "14050471", "67062674", "99943326"},
		{1234567890, "89005924", "91819424", "93441116"},
		{2000000000, "69279037", "90698825", "38618901"},
		{20000000000, "65353130", "77737706", "47863826"},
	}
	for _, tt := range tests {
		// The reference table derives the counter with floor(T/30).
		counter := uint64(tt.unix / 30)
		cases := []struct {
			secret []byte
			algo   Algorithm
			want   string
		}{
			{seed, AlgorithmSHA1, tt.sha1},
			{seed32, AlgorithmSHA256, tt.sha256},
			{seed64, AlgorithmSHA512, tt.sha512},
		}
		for _, c := range cases {
			got, err := GenerateHOTP(c.secret, counter, Params{Digits: 8, Algorithm: c.algo})
			if err != nil {
				t.Fatalf("T=%d %s: unexpected error: %v", tt.unix, c.algo, err)
			}
			if got != c.want {
				t.Errorf("T=%d %s: expected %s, got %s", tt.unix, c.algo, c.want, got)
			}
		}
	}
}

func TestTimeToCounterRoundsHalfUp(t *testing.T) {
	tests := []struct {
		unix int64
		step int
		want uint64
	}{
		{0, 30, 0},
		{14, 30, 0},
		{15, 30, 1},
		{44, 30, 1},
		{45, 30, 2},
		{59, 30, 2},
		{75, 30, 3},
		{89, 60, 1},
		{90, 60, 2},
		{-5, 30, 0},
	}
	for _, tt := range tests {
		if got := TimeToCounter(tt.unix, tt.step); got != tt.want {
			t.Errorf("TimeToCounter(%d, %d): expected %d, got %d", tt.unix, tt.step, tt.want, got)
		}
	}
}

func TestVerifyTOTP(t *testing.T) {
	p := TOTPParams{Params: Params{Digits: 6}, Step: 30}
	now := time.Unix(1700000000, 0)
	centre := TimeToCounter(now.Unix(), 30)

	codeAt := func(c uint64) string {
		code, err := GenerateHOTP(seed, c, p.Params)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return code
	}

	t.Run("current step", func(t *testing.T) {
		m, err := VerifyTOTP(seed, now, codeAt(centre), p, 0, 1, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Counter != centre || m.Delta != 0 {
			t.Fatalf("unexpected match %+v", m)
		}
	})

	t.Run("one step ahead", func(t *testing.T) {
		m, err := VerifyTOTP(seed, now, codeAt(centre+1), p, 0, 1, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Delta != 1 || m.ShiftSeconds(30) != 30 {
			t.Fatalf("unexpected match %+v", m)
		}
	})

	t.Run("one step behind", func(t *testing.T) {
		m, err := VerifyTOTP(seed, now, codeAt(centre-1), p, 0, 1, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Delta != -1 {
			t.Fatalf("unexpected match %+v", m)
		}
	})

	t.Run("outside drift", func(t *testing.T) {
		_, err := VerifyTOTP(seed, now, codeAt(centre+10), p, 0, 1, 0)
		if !errors.Is(err, ErrNoMatch) {
			t.Fatalf("expected ErrNoMatch, got %v", err)
		}
	})

	t.Run("shift applied", func(t *testing.T) {
		m, err := VerifyTOTP(seed, now, codeAt(centre+10), p, 300, 1, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.Counter != centre+10 || m.Delta != 0 {
			t.Fatalf("unexpected match %+v", m)
		}
	})

	t.Run("below minimum counter", func(t *testing.T) {
		_, err := VerifyTOTP(seed, now, codeAt(centre), p, 0, 1, centre+1)
		if !errors.Is(err, ErrNoMatch) {
			t.Fatalf("expected ErrNoMatch, got %v", err)
		}
	})

	t.Run("invalid step", func(t *testing.T) {
		_, err := VerifyTOTP(seed, now, "000000", TOTPParams{Params: Params{Digits: 6}}, 0, 1, 0)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestGenerateTOTPUsesShift(t *testing.T) {
	p := TOTPParams{Params: Params{Digits: 8, Algorithm: AlgorithmSHA1}, Step: 30}
	now := time.Unix(1111111100, 0)
	shifted, err := GenerateTOTP(seed, now, 300, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	direct, err := GenerateHOTP(seed, TimeToCounter(now.Unix()+300, 30), p.Params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shifted != direct {
		t.Fatalf("expected %s, got %s", direct, shifted)
	}
}
