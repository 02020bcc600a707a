package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// createScript stores the challenge only if the id is new and indexes it by
// user and serial in one step.
var createScript = redis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[3])
return 1
`)

// RedisLedger keeps challenges in Redis so several server processes share
// them. Expiry is delegated to key TTLs; index sets are swept by ExpireStale.
type RedisLedger struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisLedger returns a ledger backed by client.
func NewRedisLedger(client redis.UniversalClient, opts ...Option) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("challenge: redis client must not be nil")
	}
	return &RedisLedger{client: client, opts: buildOptions(opts)}, nil
}

func (l *RedisLedger) txKey(id string) string         { return l.opts.prefix + "tx:" + id }
func (l *RedisLedger) userKey(user string) string     { return l.opts.prefix + "user:" + user }
func (l *RedisLedger) serialKey(serial string) string { return l.opts.prefix + "serial:" + serial }

func (l *RedisLedger) Create(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.NewString()
		c := req.build(id, l.opts.now())
		payload, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("challenge: encode: %w", err)
		}
		created, err := createScript.Run(ctx, l.client,
			[]string{l.txKey(id), l.userKey(c.User), l.serialKey(c.Serial)},
			payload, c.Validity.Milliseconds(), id,
		).Int()
		if err != nil {
			return "", fmt.Errorf("challenge: create: %w", err)
		}
		if created == 1 {
			return id, nil
		}
	}
	return "", errors.New("challenge: could not allocate a unique transaction id")
}

func (l *RedisLedger) decode(raw []byte) (*Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("challenge: decode: %w", err)
	}
	if c.Expired(l.opts.now()) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (l *RedisLedger) Lookup(ctx context.Context, transactionID string) (*Challenge, error) {
	raw, err := l.client.Get(ctx, l.txKey(transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("challenge: lookup: %w", err)
	}
	return l.decode(raw)
}

func (l *RedisLedger) ListForUser(ctx context.Context, user string) ([]*Challenge, error) {
	ids, err := l.client.SMembers(ctx, l.userKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("challenge: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.txKey(id)
	}
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("challenge: list: %w", err)
	}
	var out []*Challenge
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		c, err := l.decode([]byte(s))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortByCreation(out)
	return out, nil
}

// Consume relies on GETDEL so only one caller ever receives the payload.
func (l *RedisLedger) Consume(ctx context.Context, transactionID string) error {
	raw, err := l.client.GetDel(ctx, l.txKey(transactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("challenge: consume: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("challenge: decode: %w", err)
	}
	pipe := l.client.Pipeline()
	pipe.SRem(ctx, l.userKey(c.User), transactionID)
	pipe.SRem(ctx, l.serialKey(c.Serial), transactionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("challenge: consume: %w", err)
	}
	if c.Expired(l.opts.now()) {
		return ErrNotFound
	}
	return nil
}

// ExpireStale drops index entries whose challenge key has expired and
// returns how many challenges were swept.
func (l *RedisLedger) ExpireStale(ctx context.Context) (int, error) {
	removed := 0
	for _, kind := range []string{"user:", "serial:"} {
		iter := l.client.Scan(ctx, 0, l.opts.prefix+kind+"*", 100).Iterator()
		for iter.Next(ctx) {
			n, err := l.sweep(ctx, iter.Val())
			if err != nil {
				return removed, err
			}
			if kind == "user:" {
				removed += n
			}
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("challenge: scan: %w", err)
		}
	}
	return removed, nil
}

func (l *RedisLedger) sweep(ctx context.Context, setKey string) (int, error) {
	ids, err := l.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("challenge: sweep: %w", err)
	}
	removed := 0
	for _, id := range ids {
		raw, err := l.client.Get(ctx, l.txKey(id)).Bytes()
		stale := errors.Is(err, redis.Nil)
		if err != nil && !stale {
			return removed, fmt.Errorf("challenge: sweep: %w", err)
		}
		if !stale {
			if _, derr := l.decode(raw); errors.Is(derr, ErrNotFound) {
				stale = true
				if err := l.client.Del(ctx, l.txKey(id)).Err(); err != nil {
					return removed, fmt.Errorf("challenge: sweep: %w", err)
				}
			}
		}
		if stale {
			if err := l.client.SRem(ctx, setKey, id).Err(); err != nil {
				return removed, fmt.Errorf("challenge: sweep: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (l *RedisLedger) Reset(ctx context.Context, serial string) (int, error) {
	ids, err := l.client.SMembers(ctx, l.serialKey(serial)).Result()
	if err != nil {
		return 0, fmt.Errorf("challenge: reset: %w", err)
	}
	removed := 0
	for _, id := range ids {
		raw, err := l.client.GetDel(ctx, l.txKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("challenge: reset: %w", err)
		}
		var c Challenge
		if err := json.Unmarshal(raw, &c); err == nil {
			l.client.SRem(ctx, l.userKey(c.User), id)
		}
		removed++
	}
	if err := l.client.Del(ctx, l.serialKey(serial)).Err(); err != nil {
		return removed, fmt.Errorf("challenge: reset: %w", err)
	}
	return removed, nil
}

var _ Ledger = (*RedisLedger)(nil)
