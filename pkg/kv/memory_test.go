package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/kv"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ at time.Time }

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newClockStore() (*kv.Memory, *fakeClock) {
	clock := &fakeClock{at: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return kv.NewMemoryWithClock(clock.now), clock
}

func TestSetNXClaimsOnce(t *testing.T) {
	store, clock := newClockStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "nonce:abc", "1", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "nonce:abc", "1", 300*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail")

	// After expiry the key is claimable again.
	clock.advance(301 * time.Second)
	ok, err = store.SetNX(ctx, "nonce:abc", "1", 300*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrMonotonicAndWindowed(t *testing.T) {
	store, clock := newClockStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := store.Incr(ctx, "rate:p1:1000", 60*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// TTL is pinned to the first increment; expiry resets the counter.
	clock.advance(61 * time.Second)
	got, err := store.Incr(ctx, "rate:p1:1000", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestIncrTTLNotExtendedByLaterHits(t *testing.T) {
	store, clock := newClockStore()
	ctx := context.Background()

	_, err := store.Incr(ctx, "rate:x", 60*time.Second)
	require.NoError(t, err)

	clock.advance(59 * time.Second)
	_, err = store.Incr(ctx, "rate:x", 60*time.Second)
	require.NoError(t, err)

	// 2s later the original deadline has passed even though the second
	// increment was recent.
	clock.advance(2 * time.Second)
	got, err := store.Incr(ctx, "rate:x", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestHashAggregates(t *testing.T) {
	store, _ := newClockStore()
	ctx := context.Background()

	_, err := store.HIncrBy(ctx, "modeluse:app:llm:groq:2026-05-01", "llama:requests", 1, 25*time.Hour)
	require.NoError(t, err)
	v, err := store.HIncrBy(ctx, "modeluse:app:llm:groq:2026-05-01", "llama:totalTokens", 128, 25*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(128), v)

	all, err := store.HGetAll(ctx, "modeluse:app:llm:groq:2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"llama:requests":    "1",
		"llama:totalTokens": "128",
	}, all)

	missing, err := store.HGetAll(ctx, "modeluse:nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSetMembership(t *testing.T) {
	store, _ := newClockStore()
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "models:app:2026-05-01", "llama-3.1-8b-instant", 32*24*time.Hour))
	require.NoError(t, store.SAdd(ctx, "models:app:2026-05-01", "llama-3.1-8b-instant", 32*24*time.Hour))
	require.NoError(t, store.SAdd(ctx, "models:app:2026-05-01", "mixtral-8x7b", 32*24*time.Hour))

	members, err := store.SMembers(ctx, "models:app:2026-05-01")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"llama-3.1-8b-instant", "mixtral-8x7b"}, members)
}

func TestGetAndDelete(t *testing.T) {
	store, _ := newClockStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.SetNX(ctx, "k", "v", 0)
	require.NoError(t, err)
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is fine.
	require.NoError(t, store.Delete(ctx, "never-there"))
}

func TestExpiredEntriesInvisible(t *testing.T) {
	store, clock := newClockStore()
	ctx := context.Background()

	_, err := store.SetNX(ctx, "short", "v", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	clock.advance(2 * time.Second)
	_, ok, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}
