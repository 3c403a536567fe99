package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/config"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Redis.DB = 15

	rs, err := NewRedisStore(&cfg.Redis, metrics.NewMetrics(&metrics.Config{Enabled: false}))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	rs := newTestRedisStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:store:%d", time.Now().UnixNano())

	_, err := rs.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rs.Set(ctx, key, []byte("value"), time.Minute))
	value, err := rs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value", string(value))

	require.NoError(t, rs.Delete(ctx, key))
	_, err = rs.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeletePrefix(t *testing.T) {
	rs := newTestRedisStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("test:prefix:%d:", time.Now().UnixNano())

	for i := 0; i < 3; i++ {
		require.NoError(t, rs.Set(ctx, fmt.Sprintf("%s%d", prefix, i), []byte("v"), time.Minute))
	}

	n, err := rs.DeletePrefix(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRedisStore_IncrCounters(t *testing.T) {
	rs := newTestRedisStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:usage:%d", time.Now().UnixNano())
	t.Cleanup(func() { rs.Delete(context.Background(), key) })

	_, err := rs.IncrCounters(ctx, key, Counters{"tokens": 100, "cost_usd": 0.25}, time.Hour)
	require.NoError(t, err)
	counters, err := rs.IncrCounters(ctx, key, Counters{"tokens": 50, "cost_usd": 0.25}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 150.0, counters.Get("tokens"))

	stored, err := rs.GetCounters(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stored.Get("cost_usd"), 1e-9)

	ttl, err := rs.Client().TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	assert.Contains(t, rs.Stats(), "total_connections")
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `llm_cache:`, escapePattern("llm_cache:"))
	assert.Equal(t, `a\*b\?\[c\]`, escapePattern("a*b?[c]"))
}
