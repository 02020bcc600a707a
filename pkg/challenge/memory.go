package challenge

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger keeps challenges in process memory.
// It is safe for concurrent use.
type MemoryLedger struct {
	mu         sync.Mutex
	opts       options
	challenges map[string]*Challenge
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		opts:       buildOptions(opts),
		challenges: make(map[string]*Challenge),
	}
}

func (l *MemoryLedger) Create(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, exists := l.challenges[id]; exists {
			continue
		}
		l.challenges[id] = req.build(id, l.opts.now())
		return id, nil
	}
}

func (l *MemoryLedger) Lookup(ctx context.Context, transactionID string) (*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.challenges[transactionID]
	if !ok || c.Expired(l.opts.now()) {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (l *MemoryLedger) ListForUser(ctx context.Context, user string) ([]*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.now()
	var out []*Challenge
	for _, c := range l.challenges {
		if c.User == user && !c.Expired(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (l *MemoryLedger) Consume(ctx context.Context, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.challenges[transactionID]
	if !ok {
		return ErrNotFound
	}
	delete(l.challenges, transactionID)
	if c.Expired(l.opts.now()) {
		return ErrNotFound
	}
	return nil
}

func (l *MemoryLedger) ExpireStale(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.now()
	removed := 0
	for id, c := range l.challenges {
		if c.Expired(now) {
			delete(l.challenges, id)
			removed++
		}
	}
	return removed, nil
}

func (l *MemoryLedger) Reset(ctx context.Context, serial string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, c := range l.challenges {
		if c.Serial == serial {
			delete(l.challenges, id)
			removed++
		}
	}
	return removed, nil
}

func sortByCreation(cs []*Challenge) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].TransactionID < cs[j].TransactionID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

var _ Ledger = (*MemoryLedger)(nil)
