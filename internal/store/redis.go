package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/config"
	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

const redisBackend = "redis"

// RedisStore is the shared, networked store
type RedisStore struct {
	client  *redis.Client
	config  *config.RedisConfig
	metrics *metrics.Metrics
}

// NewRedisStore connects to Redis and verifies the connection. On a failed
// ping the store is still returned alongside the error; the client keeps
// reconnecting in the background.
func NewRedisStore(cfg *config.RedisConfig, m *metrics.Metrics) (*RedisStore, error) {
	if cfg == nil {
		return nil, appErrors.NewValidationError("Redis configuration is required")
	}

	rs := NewRedisStoreFromClient(redis.NewClient(redisOptions(cfg)), cfg, m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rs.client.Ping(ctx).Err(); err != nil {
		return rs, appErrors.NewBackendUnavailableError(redisBackend, "connect").WithCause(err)
	}

	return rs, nil
}

func redisOptions(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,

		// Pool timeouts
		PoolTimeout:     2 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 128 * time.Millisecond,
	}
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, cfg *config.RedisConfig, m *metrics.Metrics) *RedisStore {
	return &RedisStore{
		client:  client,
		config:  cfg,
		metrics: m,
	}
}

// Name implements Store
func (r *RedisStore) Name() string {
	return redisBackend
}

// Client returns the underlying Redis client
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks the Redis connection health
func (r *RedisStore) Ping(ctx context.Context) error {
	if r.client == nil {
		return appErrors.NewInternalError("Redis client is nil")
	}
	return r.observe("ping", func() error {
		return r.client.Ping(ctx).Err()
	})
}

// PoolStats returns Redis connection statistics
func (r *RedisStore) PoolStats() *redis.PoolStats {
	return r.client.PoolStats()
}

// Stats reports pool statistics for health checks
func (r *RedisStore) Stats() map[string]string {
	stats := r.client.PoolStats()
	return map[string]string{
		"total_connections": strconv.FormatUint(uint64(stats.TotalConns), 10),
		"idle_connections":  strconv.FormatUint(uint64(stats.IdleConns), 10),
		"stale_connections": strconv.FormatUint(uint64(stats.StaleConns), 10),
	}
}

// Get implements Store
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.observe("get", func() error {
		var err error
		value, err = r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	})
	return value, err
}

// Set implements Store
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.observe("set", func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.observe("delete", func() error {
		return r.client.Del(ctx, key).Err()
	})
}

// DeletePrefix scans for matching keys in batches and deletes them
func (r *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	err := r.observe("delete_prefix", func() error {
		var cursor uint64
		pattern := escapePattern(prefix) + "*"
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := r.client.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return deleted, err
}

// IncrCounters runs HINCRBYFLOAT for every field plus EXPIRE in one MULTI
func (r *RedisStore) IncrCounters(ctx context.Context, key string, deltas Counters, ttl time.Duration) (Counters, error) {
	result := make(Counters, len(deltas))
	err := r.observe("incr", func() error {
		cmds := make(map[string]*redis.FloatCmd, len(deltas))
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, delta := range deltas {
				cmds[field] = pipe.HIncrByFloat(ctx, key, field, delta)
			}
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for field, cmd := range cmds {
			result[field] = cmd.Val()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCounters implements Store
func (r *RedisStore) GetCounters(ctx context.Context, key string) (Counters, error) {
	var raw map[string]string
	err := r.observe("get_counters", func() error {
		var err error
		raw, err = r.client.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	counters := make(Counters, len(raw))
	for field, value := range raw {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s.%s: %w", key, field, err)
		}
		counters[field] = f
	}
	return counters, nil
}

func (r *RedisStore) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	recorded := err
	if errors.Is(err, ErrNotFound) {
		recorded = nil
	}
	r.metrics.RecordStoreOperation(operation, redisBackend, time.Since(start), recorded)
	if err != nil && recorded != nil {
		return appErrors.NewBackendUnavailableError(redisBackend, operation).WithCause(err)
	}
	return err
}

func escapePattern(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
