package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

// FailoverStore writes through to a shared primary and a local mirror. When
// the primary fails, reads and increments are served from the mirror and the
// failure is reported to the degradation manager; errors of the primary are
// never returned to callers.
type FailoverStore struct {
	primary     Store
	local       *MemoryStore
	degradation *resilience.DegradationManager
	logger      *logging.Logger
	healthy     atomic.Bool
}

// NewFailoverStore composes primary with a local mirror
func NewFailoverStore(primary Store, local *MemoryStore, dm *resilience.DegradationManager, logger *logging.Logger) *FailoverStore {
	fs := &FailoverStore{
		primary:     primary,
		local:       local,
		degradation: dm,
		logger:      logging.OrGlobal(logger),
	}
	fs.healthy.Store(true)
	if dm != nil {
		dm.RegisterService(primary.Name(), resilience.LevelPartial)
	}
	return fs
}

// Name implements Store
func (f *FailoverStore) Name() string {
	return f.primary.Name()
}

// Backend names the store currently answering reads
func (f *FailoverStore) Backend() string {
	if f.healthy.Load() {
		return f.primary.Name()
	}
	return f.local.Name()
}

// Healthy reports whether the last primary operation succeeded
func (f *FailoverStore) Healthy() bool {
	return f.healthy.Load()
}

// Stats forwards pool statistics of the primary when it has any
func (f *FailoverStore) Stats() map[string]string {
	if sr, ok := f.primary.(interface{ Stats() map[string]string }); ok {
		return sr.Stats()
	}
	return map[string]string{}
}

// Get reads the primary first and falls back to the mirror on a miss or an
// error.
func (f *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := f.primary.Get(ctx, key)
	if err == nil {
		f.report("get", start, nil)
		return value, nil
	}
	if errors.Is(err, ErrNotFound) {
		f.report("get", start, nil)
	} else {
		f.report("get", start, err)
	}
	return f.local.Get(ctx, key)
}

// Set implements Store
func (f *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	start := time.Now()
	f.report("set", start, f.primary.Set(ctx, key, value, ttl))
	return nil
}

// Delete implements Store
func (f *FailoverStore) Delete(ctx context.Context, key string) error {
	if err := f.local.Delete(ctx, key); err != nil {
		return err
	}
	start := time.Now()
	f.report("delete", start, f.primary.Delete(ctx, key))
	return nil
}

// DeletePrefix implements Store. The count is the larger of both sides.
func (f *FailoverStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	localCount, err := f.local.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	primaryCount, err := f.primary.DeletePrefix(ctx, prefix)
	f.report("delete_prefix", start, err)
	if primaryCount > localCount {
		return primaryCount, nil
	}
	return localCount, nil
}

// IncrCounters increments both the mirror and the primary. The mirror holds
// every increment of this process, the primary those of every process, so
// the field-wise maximum is returned.
func (f *FailoverStore) IncrCounters(ctx context.Context, key string, deltas Counters, ttl time.Duration) (Counters, error) {
	local, err := f.local.IncrCounters(ctx, key, deltas, ttl)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	counters, err := f.primary.IncrCounters(ctx, key, deltas, ttl)
	f.report("incr", start, err)
	if err != nil {
		return local, nil
	}
	return mergeMax(counters, local), nil
}

// GetCounters returns the field-wise maximum of primary and mirror so that
// usage recorded during an outage is not forgotten after recovery.
func (f *FailoverStore) GetCounters(ctx context.Context, key string) (Counters, error) {
	local, err := f.local.GetCounters(ctx, key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	counters, err := f.primary.GetCounters(ctx, key)
	f.report("get_counters", start, err)
	if err != nil {
		return local, nil
	}
	return mergeMax(counters, local), nil
}

// Ping checks the primary
func (f *FailoverStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := f.primary.Ping(ctx)
	f.report("ping", start, err)
	return err
}

// Close closes both stores
func (f *FailoverStore) Close() error {
	err := f.primary.Close()
	if lerr := f.local.Close(); err == nil {
		err = lerr
	}
	return err
}

func (f *FailoverStore) report(operation string, start time.Time, err error) {
	healthy := err == nil
	if f.degradation != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		f.degradation.UpdateServiceHealth(f.primary.Name(), healthy, time.Since(start), msg)
	}

	if prev := f.healthy.Swap(healthy); prev != healthy {
		if healthy {
			f.logger.Info("Shared store recovered", "backend", f.primary.Name(), "operation", operation)
		} else {
			f.logger.Warn("Shared store unavailable, using local state",
				"backend", f.primary.Name(),
				"operation", operation,
				"error", err,
			)
		}
	}
}

func mergeMax(a, b Counters) Counters {
	out := copyCounters(a)
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}
