// Package idempotency implements the distributed idempotency KV used by
// the Execution Core to suppress duplicate order submissions (§4.5, §6).
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KV is the SET-NX-EX primitive the core relies on: Acquire returns true
// the first time a key is seen within its TTL, false on every subsequent
// call (§6: "SET with NX+EX semantics").
type KV interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisKV is the primary implementation, grounded on the same
// graceful-degradation idiom the teacher uses for its price cache: errors
// are logged and returned to the caller, so a Fallback can degrade to
// InProcessKV.
type RedisKV struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisKV(client *redis.Client, log zerolog.Logger) *RedisKV {
	return &RedisKV{client: client, log: log.With().Str("component", "idempotency").Logger()}
}

func (r *RedisKV) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	ok, err := r.client.SetNX(opCtx, key, 1, ttl).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed")
		return false, err
	}
	return ok, nil
}

// InProcessKV is the fallback used when the distributed KV is unreachable
// (§4.5): identical TTL semantics, with a 1000-entry eviction guard so an
// unbounded process never accumulates stale keys.
type InProcessKV struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recently acquired
	maxSize  int
}

type kvEntry struct {
	key       string
	expiresAt time.Time
}

func NewInProcessKV() *InProcessKV {
	return &InProcessKV{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: 1000,
	}
}

func (k *InProcessKV) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if el, ok := k.entries[key]; ok {
		entry := el.Value.(*kvEntry)
		if entry.expiresAt.After(now) {
			return false, nil
		}
		k.order.Remove(el)
		delete(k.entries, key)
	}

	entry := &kvEntry{key: key, expiresAt: now.Add(ttl)}
	el := k.order.PushFront(entry)
	k.entries[key] = el

	k.evictIfNeeded()
	return true, nil
}

func (k *InProcessKV) evictIfNeeded() {
	for len(k.entries) > k.maxSize {
		back := k.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*kvEntry)
		k.order.Remove(back)
		delete(k.entries, entry.key)
	}
}

// Fallback wraps a primary KV and a fallback, degrading to the fallback on
// any primary error (§4.5: "If the KV is unavailable, fall back to an
// in-process map").
type Fallback struct {
	primary  KV
	fallback KV
	log      zerolog.Logger
}

func NewFallback(primary, fallback KV, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, fallback: fallback, log: log}
}

func (f *Fallback) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := f.primary.Acquire(ctx, key, ttl)
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("idempotency primary KV unavailable, using in-process fallback")
		return f.fallback.Acquire(ctx, key, ttl)
	}
	return ok, nil
}

// Key builds the idempotency key of §4.5: user_id:market:signal.timestamp.
func Key(userID, market string, timestamp time.Time) string {
	return userID + ":" + market + ":" + timestamp.UTC().Format(time.RFC3339Nano)
}
