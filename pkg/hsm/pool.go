package hsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Session is one logged-in PKCS#11 session able to use the sealing key.
type Session interface {
	Login(ctx context.Context, pin string) error
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// SessionProvider opens sessions against a token.
type SessionProvider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

var errSystemProviderUnavailable = errors.New("hsm: system provider unavailable; build with PKCS#11 support to use default")

var systemSessionProvider SessionProvider

// SetSystemSessionProvider installs the provider used when NewPool is given
// nil. Builds with the pkcs11 tag install the native provider at init.
func SetSystemSessionProvider(p SessionProvider) {
	systemSessionProvider = p
}

// Config locates the token and the sealing key.
type Config struct {
	ModulePath string `mapstructure:"module_path"`
	TokenLabel string `mapstructure:"token_label"`
	Slot       string `mapstructure:"slot"`
	PIN        string `mapstructure:"pin"`
	KeyLabel   string `mapstructure:"key_label"`
	// Size bounds the number of concurrent sessions.
	Size int `mapstructure:"pool_size"`
	// AcquireTimeout bounds the wait for a free session.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// RetryAttempts bounds the attempts to open a session.
	RetryAttempts uint `mapstructure:"retry_attempts"`
}

func (c Config) validate() error {
	if c.ModulePath == "" {
		return errors.New("hsm: module path must not be empty")
	}
	if c.TokenLabel == "" && c.Slot == "" {
		return errors.New("hsm: either token label or slot must be specified")
	}
	if c.KeyLabel == "" {
		return errors.New("hsm: key label must not be empty")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	return c
}

// Pool hands out at most Size sessions at a time. Idle sessions are reused;
// sessions that fail an operation are closed instead of returned.
type Pool struct {
	cfg      Config
	provider SessionProvider
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	idle   []Session
	closed bool
}

// NewPool validates cfg and returns an empty pool. If provider is nil the
// system provider is used.
func NewPool(cfg Config, provider SessionProvider, logger *zap.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemSessionProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemSessionProvider
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Size)),
	}, nil
}

func (p *Pool) acquire(ctx context.Context) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrExhausted
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return s, nil
}

func (p *Pool) open(ctx context.Context) (Session, error) {
	op := func() (Session, error) {
		s, err := p.provider.Open(ctx, p.cfg)
		if err != nil {
			p.logger.Warn("hsm session open failed", zap.Error(err))
			return nil, err
		}
		if err := s.Login(ctx, p.cfg.PIN); err != nil {
			_ = s.Close(ctx)
			if errors.Is(err, ErrInvalidPIN) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return s, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	s, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.RetryAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("hsm: open session: %w", err)
	}
	return s, nil
}

func (p *Pool) release(ctx context.Context, s Session, healthy bool) {
	defer p.sem.Release(1)
	p.mu.Lock()
	if healthy && !p.closed {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if err := s.Close(ctx); err != nil {
		p.logger.Warn("hsm session close failed", zap.Error(err))
	}
}

func (p *Pool) do(ctx context.Context, fn func(Session) ([]byte, error)) ([]byte, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, err := fn(s)
	p.release(ctx, s, err == nil || errors.Is(err, ErrInvalidCiphertext))
	return out, err
}

func (p *Pool) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return p.do(ctx, func(s Session) ([]byte, error) {
		return s.Encrypt(ctx, plaintext)
	})
}

func (p *Pool) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return p.do(ctx, func(s Session) ([]byte, error) {
		return s.Decrypt(ctx, ciphertext)
	})
}

// Idle returns the number of idle sessions.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle sessions. Sessions in use are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	var errs []error
	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Module = (*Pool)(nil)
