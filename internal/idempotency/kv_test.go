package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisKV_AcquireOnceWithinTTL(t *testing.T) {
	client := newTestRedis(t)
	kv := NewRedisKV(client, zerolog.Nop())

	ok, err := kv.Acquire(context.Background(), "u1:R_100:t1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.Acquire(context.Background(), "u1:R_100:t1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire within TTL must fail")
}

func TestInProcessKV_AcquireOnceWithinTTL(t *testing.T) {
	kv := NewInProcessKV()

	ok, _ := kv.Acquire(context.Background(), "k", time.Hour)
	assert.True(t, ok)

	ok, _ = kv.Acquire(context.Background(), "k", time.Hour)
	assert.False(t, ok)
}

func TestInProcessKV_ReacquireAfterExpiry(t *testing.T) {
	kv := NewInProcessKV()
	ok, _ := kv.Acquire(context.Background(), "k", -time.Second)
	assert.True(t, ok)

	ok, _ = kv.Acquire(context.Background(), "k", time.Hour)
	assert.True(t, ok, "expired entry should allow reacquisition")
}

func TestInProcessKV_EvictsOldestPastThousandEntries(t *testing.T) {
	kv := NewInProcessKV()
	for i := 0; i < 1001; i++ {
		_, _ = kv.Acquire(context.Background(), string(rune(i)), time.Hour)
	}
	assert.LessOrEqual(t, len(kv.entries), 1000)
}

func TestFallback_DegradesWhenPrimaryErrors(t *testing.T) {
	primary := &erroringKV{}
	fallback := NewInProcessKV()
	f := NewFallback(primary, fallback, zerolog.Nop())

	ok, err := f.Acquire(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Acquire(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "fallback itself still enforces idempotency")
}

type erroringKV struct{}

func (e *erroringKV) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, assertErr
}

var assertErr = errTest("primary unavailable")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestKey_Format(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := Key("u1", "R_100", ts)
	assert.Equal(t, "u1:R_100:2026-01-01T00:00:00Z", k)
}
