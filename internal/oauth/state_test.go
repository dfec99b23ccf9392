package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateStore_SingleUse(t *testing.T) {
	s := NewMemoryStateStore(0)
	defer s.Stop()
	ctx := context.Background()

	state, err := s.Issue(ctx, StateData{TenantID: "t1", Provider: "google", Scopes: []string{"calendar", "sheets"}})
	require.NoError(t, err)

	data, ok, err := s.Consume(ctx, state)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", data.TenantID)
	assert.Equal(t, []string{"calendar", "sheets"}, data.Scopes)
	assert.False(t, data.CreatedAt.IsZero())

	_, ok, err = s.Consume(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = s.Consume(ctx, "never-issued")
	assert.False(t, ok)
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	s := NewMemoryStateStore(0)
	defer s.Stop()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	fresh, err := s.Issue(ctx, StateData{TenantID: "t", Provider: "google"})
	require.NoError(t, err)
	stale, err := s.Issue(ctx, StateData{TenantID: "t", Provider: "google"})
	require.NoError(t, err)

	now = now.Add(StateTTL - time.Second)
	_, ok, _ := s.Consume(ctx, fresh)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = s.Consume(ctx, stale)
	assert.False(t, ok, "expired state must not verify")
	assert.Zero(t, s.Len())
}

func TestMemoryStateStore_Sweep(t *testing.T) {
	s := NewMemoryStateStore(0)
	defer s.Stop()
	now := time.Now()
	s.now = func() time.Time { return now }
	_, err := s.Issue(context.Background(), StateData{TenantID: "t"})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	now = now.Add(StateTTL + time.Minute)
	s.sweep()
	assert.Zero(t, s.Len())
}

func TestMemoryStateStore_ConcurrentConsumeOnce(t *testing.T) {
	s := NewMemoryStateStore(time.Millisecond)
	defer s.Stop()
	ctx := context.Background()
	state, err := s.Issue(ctx, StateData{TenantID: "t"})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Consume(ctx, state); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	s.Stop()
	s.Stop()
}

func newRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStateStore(rdb), mr
}

func TestRedisStateStore_SingleUse(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	state, err := s.Issue(ctx, StateData{TenantID: "tenant_x", Provider: "shopify", Shop: "acme"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisStatePrefix+state))
	assert.Equal(t, StateTTL, mr.TTL(redisStatePrefix+state))

	data, ok, err := s.Consume(ctx, state)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", data.Shop)
	assert.False(t, mr.Exists(redisStatePrefix+state))

	_, ok, err = s.Consume(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateStore_Expiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	state, err := s.Issue(ctx, StateData{TenantID: "t"})
	require.NoError(t, err)

	mr.FastForward(StateTTL + time.Second)
	_, ok, err := s.Consume(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateStore_ServerDown(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	_, err := s.Issue(context.Background(), StateData{TenantID: "t"})
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := ConnectRedis(ctx, mr.Addr())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = ConnectRedis(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = ConnectRedis(ctx, "redis://%zz")
	require.Error(t, err)
}
