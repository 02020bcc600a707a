// Package store persists tokens for the authentication flow.
//
// Both implementations satisfy token.Repository. Update serialises callers per
// serial so that a token's counter and fail count are never updated from a
// stale copy.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jeremyhahn/go-mfa/pkg/token"
)

// ErrInvalidToken is returned when saving a token without serial or owner.
var ErrInvalidToken = errors.New("store: token serial and owner are required")

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*token.Token
	locks  map[string]*sync.Mutex
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*token.Token),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(serial string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serial] = l
	}
	return l
}

func (s *MemoryStore) FindByOwner(ctx context.Context, owner string) ([]*token.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*token.Token
	for _, t := range s.tokens {
		if t.Owner == owner {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *MemoryStore) Load(ctx context.Context, serial string) (*token.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[serial]
	if !ok {
		return nil, token.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, t *token.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.Serial == "" || t.Owner == "" {
		return ErrInvalidToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Serial] = t.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, serial string, fn func(*token.Token) error) error {
	l := s.lockFor(serial)
	l.Lock()
	defer l.Unlock()
	t, err := s.Load(ctx, serial)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	// The serial is the key; fn must not move the token elsewhere.
	t.Serial = serial
	return s.Save(ctx, t)
}

// Delete removes a token.
func (s *MemoryStore) Delete(ctx context.Context, serial string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[serial]; !ok {
		return token.ErrNotFound
	}
	delete(s.tokens, serial)
	delete(s.locks, serial)
	return nil
}

var _ token.Repository = (*MemoryStore)(nil)
