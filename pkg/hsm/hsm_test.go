package hsm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAESModuleRoundTrip(t *testing.T) {
	m, err := NewAESModuleFromHex(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewAESModuleFromHex failed: %v", err)
	}
	ctx := context.Background()
	secret := []byte("12345678901234567890")
	sealed, err := m.Encrypt(ctx, secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(sealed, secret) {
		t.Fatal("sealed blob contains plaintext")
	}
	again, _ := m.Encrypt(ctx, secret)
	if bytes.Equal(sealed, again) {
		t.Fatal("expected distinct nonces")
	}
	plain, err := m.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plain, secret) {
		t.Fatalf("expected %q, got %q", secret, plain)
	}
}

func TestAESModuleRejects(t *testing.T) {
	if _, err := NewAESModule([]byte("short")); err == nil {
		t.Fatal("expected key length error")
	}
	if _, err := NewAESModuleFromHex("zz"); err == nil {
		t.Fatal("expected hex error")
	}
	m, _ := NewAESModule(bytes.Repeat([]byte{1}, 32))
	ctx := context.Background()
	if _, err := m.Decrypt(ctx, []byte("tiny")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
	sealed, _ := m.Encrypt(ctx, []byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := m.Decrypt(ctx, sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext for tampered blob, got %v", err)
	}
}

// fakeSession seals by prefixing a marker so tests can observe which session
// handled a call.
type fakeSession struct {
	loginErr error
	opErr    error
	logins   atomic.Int32
	closes   atomic.Int32
	block    chan struct{}
}

func (f *fakeSession) Login(ctx context.Context, pin string) error {
	f.logins.Add(1)
	return f.loginErr
}

func (f *fakeSession) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if f.block != nil {
		<-f.block
	}
	if f.opErr != nil {
		return nil, f.opErr
	}
	return append([]byte("sealed:"), plaintext...), nil
}

func (f *fakeSession) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if f.opErr != nil {
		return nil, f.opErr
	}
	if !bytes.HasPrefix(ciphertext, []byte("sealed:")) {
		return nil, ErrInvalidCiphertext
	}
	return bytes.TrimPrefix(ciphertext, []byte("sealed:")), nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closes.Add(1)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	failures int
	err      error
	sessions []*fakeSession
	newFn    func() *fakeSession
	opens    int
}

func (f *fakeProvider) Open(ctx context.Context, cfg Config) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	s := &fakeSession{}
	if f.newFn != nil {
		s = f.newFn()
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func testConfig() Config {
	return Config{ModulePath: "mod.so", TokenLabel: "otpd", KeyLabel: "seal", PIN: "1234"}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"missing module", Config{}, false},
		{"missing selectors", Config{ModulePath: "mod.so", KeyLabel: "k"}, false},
		{"missing key", Config{ModulePath: "mod.so", Slot: "0"}, false},
		{"label provided", Config{ModulePath: "mod.so", TokenLabel: "t", KeyLabel: "k"}, true},
		{"slot provided", Config{ModulePath: "mod.so", Slot: "0", KeyLabel: "k"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.want && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.want && err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestNewPoolRequiresProvider(t *testing.T) {
	prev := systemSessionProvider
	defer SetSystemSessionProvider(prev)
	SetSystemSessionProvider(nil)
	if _, err := NewPool(testConfig(), nil, nil); !errors.Is(err, errSystemProviderUnavailable) {
		t.Fatalf("expected errSystemProviderUnavailable, got %v", err)
	}
}

func TestPoolReusesSessions(t *testing.T) {
	provider := &fakeProvider{}
	pool, err := NewPool(testConfig(), provider, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		sealed, err := pool.Encrypt(ctx, []byte("secret"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		plain, err := pool.Decrypt(ctx, sealed)
		if err != nil || string(plain) != "secret" {
			t.Fatalf("Decrypt returned %q, %v", plain, err)
		}
	}
	if provider.opens != 1 {
		t.Fatalf("expected a single session open, got %d", provider.opens)
	}
	if pool.Idle() != 1 {
		t.Fatalf("expected 1 idle session, got %d", pool.Idle())
	}
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if provider.sessions[0].closes.Load() != 1 {
		t.Fatal("expected idle session closed")
	}
	if _, err := pool.Encrypt(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPoolRetriesOpen(t *testing.T) {
	provider := &fakeProvider{failures: 2, err: errors.New("device busy")}
	cfg := testConfig()
	cfg.RetryAttempts = 3
	pool, _ := NewPool(cfg, provider, nil)
	if _, err := pool.Encrypt(context.Background(), []byte("x")); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if provider.opens != 3 {
		t.Fatalf("expected 3 open attempts, got %d", provider.opens)
	}
}

func TestPoolGivesUpAfterMaxAttempts(t *testing.T) {
	provider := &fakeProvider{failures: 10, err: errors.New("device busy")}
	cfg := testConfig()
	cfg.RetryAttempts = 2
	pool, _ := NewPool(cfg, provider, nil)
	if _, err := pool.Encrypt(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected open failure")
	}
	if provider.opens != 2 {
		t.Fatalf("expected 2 open attempts, got %d", provider.opens)
	}
	// The slot must have been released.
	provider.failures = 0
	if _, err := pool.Encrypt(context.Background(), []byte("x")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestPoolDoesNotRetryInvalidPIN(t *testing.T) {
	provider := &fakeProvider{newFn: func() *fakeSession { return &fakeSession{loginErr: ErrInvalidPIN} }}
	pool, _ := NewPool(testConfig(), provider, nil)
	_, err := pool.Encrypt(context.Background(), []byte("x"))
	if !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("expected ErrInvalidPIN, got %v", err)
	}
	if provider.opens != 1 {
		t.Fatalf("expected a single attempt, got %d", provider.opens)
	}
	if provider.sessions[0].closes.Load() != 1 {
		t.Fatal("expected session closed after failed login")
	}
}

func TestPoolDiscardsFailedSessions(t *testing.T) {
	provider := &fakeProvider{newFn: func() *fakeSession { return &fakeSession{opErr: errors.New("device removed")} }}
	pool, _ := NewPool(testConfig(), provider, nil)
	if _, err := pool.Encrypt(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
	if pool.Idle() != 0 {
		t.Fatalf("expected failed session discarded, got %d idle", pool.Idle())
	}
	if provider.sessions[0].closes.Load() != 1 {
		t.Fatal("expected failed session closed")
	}
}

func TestPoolExhausted(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{newFn: func() *fakeSession { return &fakeSession{block: block} }}
	cfg := testConfig()
	cfg.Size = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	pool, _ := NewPool(cfg, provider, nil)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Encrypt(context.Background(), []byte("x"))
		done <- err
	}()
	// Wait until the first call holds the only session.
	deadline := time.Now().Add(time.Second)
	for {
		provider.mu.Lock()
		opened := len(provider.sessions)
		provider.mu.Unlock()
		if opened == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := pool.Encrypt(context.Background(), []byte("y")); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
}
