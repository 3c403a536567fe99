// Package store provides the key/value backends shared by the result cache
// and the usage meter: a networked Redis store, a bounded process-local
// store and a failover composition of the two.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/config"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

// ErrNotFound is returned by Get for a missing or expired key
var ErrNotFound = errors.New("store: key not found")

// Counters is a set of named numeric fields stored under one key
type Counters map[string]float64

// Get returns the value of field, or zero when it is absent
func (c Counters) Get(field string) float64 {
	if c == nil {
		return 0
	}
	return c[field]
}

// Store is a key/value backend with expiring entries and atomic counters
type Store interface {
	// Name identifies the backend in logs and metrics
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns how many
	// were removed
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// IncrCounters atomically adds deltas to the fields stored under key,
	// (re)sets its expiry and returns the updated fields
	IncrCounters(ctx context.Context, key string, deltas Counters, ttl time.Duration) (Counters, error)
	GetCounters(ctx context.Context, key string) (Counters, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stores is the result of New: the store handed to components plus the
// failover wrapper when a shared backend is configured.
type Stores struct {
	Store    Store
	Redis    *RedisStore
	Failover *FailoverStore
}

// New builds the configured backend. A redis backend is always mirrored
// locally; an unreachable Redis at startup is logged and the service starts
// in degraded mode.
func New(cfg *config.Config, m *metrics.Metrics, dm *resilience.DegradationManager, logger *logging.Logger) (*Stores, error) {
	logger = logging.OrGlobal(logger)

	local, err := NewMemoryStore(cfg.Store.LocalMaxEntries, WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create local store: %w", err)
	}

	if cfg.Store.Backend == config.StoreBackendMemory {
		logger.Info("Using process-local store", "max_entries", cfg.Store.LocalMaxEntries)
		return &Stores{Store: local}, nil
	}

	rs, err := NewRedisStore(&cfg.Redis, m)
	if rs == nil {
		return nil, err
	}
	failover := NewFailoverStore(rs, local, dm, logger)
	if err != nil {
		logger.Warn("Redis unreachable at startup, serving from local state",
			"addr", cfg.RedisAddr(),
			"error", err,
		)
		failover.report("connect", time.Now(), err)
	} else {
		logger.Info("Connected to Redis", "addr", cfg.RedisAddr())
	}

	return &Stores{Store: failover, Redis: rs, Failover: failover}, nil
}
