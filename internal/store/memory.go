package store

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

const (
	memoryBackend = "memory"

	// DefaultMaxEntries bounds the process-local store
	DefaultMaxEntries = 10000
)

type memoryEntry struct {
	value     []byte
	counters  Counters
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a bounded, process-local store. The least recently used
// entry is evicted once MaxEntries is reached; expired entries are dropped
// lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *memoryEntry]
	metrics *metrics.Metrics
	now     func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithMetrics records operation timings
func WithMetrics(m *metrics.Metrics) MemoryOption {
	return func(s *MemoryStore) { s.metrics = m }
}

// NewMemoryStore creates a local store holding at most maxEntries keys
func NewMemoryStore(maxEntries int, opts ...MemoryOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cache, err := lru.New[string, *memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}

	s := &MemoryStore{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements Store
func (s *MemoryStore) Name() string {
	return memoryBackend
}

// Len returns the number of live and not yet collected entries
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	defer s.observe("get", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok || entry.value == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Set implements Store
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer s.observe("set", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Add(key, &memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.expiry(ttl),
	})
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Remove(key)
	return nil
}

// DeletePrefix implements Store
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	defer s.observe("delete_prefix", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) && s.cache.Remove(key) {
			deleted++
		}
	}
	return deleted, nil
}

// IncrCounters implements Store. The read-modify-write runs under the store
// mutex so concurrent increments never lose updates.
func (s *MemoryStore) IncrCounters(ctx context.Context, key string, deltas Counters, ttl time.Duration) (Counters, error) {
	defer s.observe("incr", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok || entry.counters == nil {
		entry = &memoryEntry{counters: make(Counters, len(deltas))}
	}
	for field, delta := range deltas {
		entry.counters[field] += delta
	}
	if ttl > 0 {
		entry.expiresAt = s.expiry(ttl)
	}
	s.cache.Add(key, entry)

	return copyCounters(entry.counters), nil
}

// GetCounters implements Store
func (s *MemoryStore) GetCounters(ctx context.Context, key string) (Counters, error) {
	defer s.observe("get_counters", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key)
	if !ok || entry.counters == nil {
		return Counters{}, nil
	}
	return copyCounters(entry.counters), nil
}

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}

// live returns a non-expired entry, removing it when expired. Callers hold mu.
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if entry.expired(s.now()) {
		s.cache.Remove(key)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) observe(operation string, start time.Time) {
	s.metrics.RecordStoreOperation(operation, memoryBackend, time.Since(start), nil)
}

func copyCounters(c Counters) Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
