package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/tracing"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// KeyPrefix namespaces result cache entries in the shared store
const KeyPrefix = "llm_cache:"

// Service caches analyses keyed by card version and context hash
type Service struct {
	store   store.Store
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *tracing.TracingService
}

// Config holds cache configuration
type Config struct {
	TTL time.Duration `json:"ttl"`

	Logger  *logging.Logger         `json:"-"`
	Metrics *metrics.Metrics        `json:"-"`
	Tracing *tracing.TracingService `json:"-"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		TTL: 300 * time.Second,
	}
}

// NewService creates a new cache service
func NewService(st store.Store, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}

	return &Service{
		store:   st,
		config:  config,
		logger:  logging.OrGlobal(config.Logger),
		metrics: config.Metrics,
		tracing: config.Tracing,
	}
}

// Key derives the store key: the first 32 hex chars of
// sha256("cardVersion:contextHash") under KeyPrefix.
func Key(cardVersion, contextHash string) string {
	sum := sha256.Sum256([]byte(cardVersion + ":" + contextHash))
	return KeyPrefix + hex.EncodeToString(sum[:])[:32]
}

// TTL returns the entry lifetime
func (s *Service) TTL() time.Duration {
	return s.config.TTL
}

// Get returns the cached analysis. Store and decoding errors are logged and
// reported as a miss.
func (s *Service) Get(ctx context.Context, cardVersion, contextHash string) (types.Analysis, bool) {
	key := Key(cardVersion, contextHash)
	ctx, span := s.tracing.StartCacheSpan(ctx, "get", key)
	defer span.End()

	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.tracing.RecordError(span, err)
			s.logger.Warn("Cache get failed", "key", key, "error", err)
		}
		s.metrics.RecordCacheLookup(false)
		return types.Analysis{}, false
	}

	var analysis types.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		s.logger.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		s.metrics.RecordCacheLookup(false)
		return types.Analysis{}, false
	}

	s.metrics.RecordCacheLookup(true)
	s.logger.Debug("Cache hit", "key", key[len(KeyPrefix):len(KeyPrefix)+8])
	return analysis, true
}

// Set stores an analysis for the configured TTL
func (s *Service) Set(ctx context.Context, cardVersion, contextHash string, analysis types.Analysis) error {
	key := Key(cardVersion, contextHash)
	ctx, span := s.tracing.StartCacheSpan(ctx, "set", key)
	defer span.End()

	data, err := json.Marshal(analysis)
	if err != nil {
		return appErrors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if err := s.store.Set(ctx, key, data, s.config.TTL); err != nil {
		s.tracing.RecordError(span, err)
		return appErrors.NewInternalError("failed to set cache value").WithCause(err)
	}
	return nil
}

// Invalidate removes one entry
func (s *Service) Invalidate(ctx context.Context, cardVersion, contextHash string) error {
	if err := s.store.Delete(ctx, Key(cardVersion, contextHash)); err != nil {
		return appErrors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// Clear removes every result cache entry and returns how many were removed
func (s *Service) Clear(ctx context.Context) (int, error) {
	n, err := s.store.DeletePrefix(ctx, KeyPrefix)
	if err != nil {
		return n, appErrors.NewInternalError("failed to clear cache").WithCause(err)
	}
	s.logger.Info("Cache cleared", "deleted", n)
	return n, nil
}
