package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, perMinute int) (*Memory, *time.Time) {
	t.Helper()
	m := NewMemory(perMinute, time.Hour)
	t.Cleanup(m.Stop)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemory_BurstThenBlock(t *testing.T) {
	m, _ := newTestMemory(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}
	ok, retry, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 20, retry.Seconds(), 1)

	ok, _, _ = m.Allow(ctx, "other")
	assert.True(t, ok, "keys are independent")
}

func TestMemory_Refills(t *testing.T) {
	m, now := newTestMemory(t, 60)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		ok, _, _ := m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, retry, _ := m.Allow(ctx, "k")
	require.False(t, ok)
	assert.InDelta(t, 1, retry.Seconds(), 1)

	*now = now.Add(time.Second)
	ok, _, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemory_RejectedRequestsDoNotConsume(t *testing.T) {
	m, now := newTestMemory(t, 1)
	ctx := context.Background()
	ok, _, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _, _ = m.Allow(ctx, "k")
		require.False(t, ok)
	}
	*now = now.Add(time.Minute)
	ok, _, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemory_SweepDropsIdleKeys(t *testing.T) {
	m, now := newTestMemory(t, 10)
	ctx := context.Background()
	_, _, _ = m.Allow(ctx, "old")
	*now = now.Add(30 * time.Minute)
	_, _, _ = m.Allow(ctx, "recent")
	*now = now.Add(45 * time.Minute)

	m.sweep()
	assert.Equal(t, 1, m.Len())
	m.Stop()
	m.Stop()
}

func TestHashIP(t *testing.T) {
	a := HashIP("10.0.0.1")
	assert.Len(t, a, 32)
	assert.Equal(t, a, HashIP("10.0.0.1"))
	assert.NotEqual(t, a, HashIP("10.0.0.2"))
	assert.NotContains(t, a, "10.0.0.1")
}
