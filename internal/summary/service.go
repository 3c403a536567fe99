// Package summary runs the quota-controlled summarization pipeline: budget
// and circuit checks, cached singleflight production through the generative
// collaborator and the deterministic fallback.
package summary

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/analyzer"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/cache"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/compactor"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/fallback"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/meter"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/ratelimit"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/tracing"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// DefaultCardVersion identifies the prompt card in cache keys
const DefaultCardVersion = "event_analysis_v1"

const (
	maxSkippableP2 = 2

	// context hashes of cached quota/circuit fallbacks remembered for ResetCircuit
	degradedKeyLimit = 1024
)

// Config contains pipeline configuration
type Config struct {
	CardVersion string `json:"card_version"`
	// Window is reported in fallback analyses
	Window string `json:"window"`

	Logger  *logging.Logger         `json:"-"`
	Metrics *metrics.Metrics        `json:"-"`
	Tracing *tracing.TracingService `json:"-"`
	Now     func() time.Time        `json:"-"`
}

// Dependencies are the components the pipeline coordinates. Limiter, Cache,
// Circuit and Meter are required.
type Dependencies struct {
	Limiter     *ratelimit.Limiter
	Compactor   *compactor.Compactor
	Cache       *cache.Service
	Coordinator *cache.Coordinator
	Circuit     *resilience.CircuitBreaker
	Meter       *meter.Meter
	Fallback    *fallback.Summarizer
	Analyzer    Analyzer
	// Store and Degradation feed the usage status only
	Store       store.Store
	Degradation *resilience.DegradationManager
}

// Service implements SummaryService
type Service struct {
	limiter     *ratelimit.Limiter
	compactor   *compactor.Compactor
	cache       *cache.Service
	coordinator *cache.Coordinator
	circuit     *resilience.CircuitBreaker
	meter       *meter.Meter
	fallback    *fallback.Summarizer
	analyzer    Analyzer
	store       store.Store
	degradation *resilience.DegradationManager

	// degraded holds context hashes whose cached analysis is a quota or
	// circuit fallback
	degraded *lru.Cache[string, struct{}]

	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *tracing.TracingService
	now     func() time.Time
}

var _ SummaryService = (*Service)(nil)

// NewService creates the pipeline
func NewService(deps Dependencies, config Config) (*Service, error) {
	switch {
	case deps.Limiter == nil:
		return nil, appErrors.NewValidationError("rate limiter is required")
	case deps.Cache == nil:
		return nil, appErrors.NewValidationError("result cache is required")
	case deps.Circuit == nil:
		return nil, appErrors.NewValidationError("circuit breaker is required")
	case deps.Meter == nil:
		return nil, appErrors.NewValidationError("usage meter is required")
	}

	if config.CardVersion == "" {
		config.CardVersion = DefaultCardVersion
	}
	if config.Window == "" {
		config.Window = fallback.DefaultWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := logging.OrGlobal(config.Logger)

	if deps.Compactor == nil {
		deps.Compactor = compactor.New(compactor.WithClock(config.Now))
	}
	if deps.Fallback == nil {
		deps.Fallback = fallback.New(fallback.WithClock(config.Now))
	}
	if deps.Coordinator == nil {
		deps.Coordinator = cache.NewCoordinator(deps.Cache, cache.CoordinatorConfig{
			Logger:  logger,
			Metrics: config.Metrics,
		})
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.Unavailable{}
	}

	degraded, err := lru.New[string, struct{}](degradedKeyLimit)
	if err != nil {
		return nil, appErrors.NewInternalError("failed to create degraded key set").WithCause(err)
	}

	return &Service{
		limiter:     deps.Limiter,
		compactor:   deps.Compactor,
		cache:       deps.Cache,
		coordinator: deps.Coordinator,
		circuit:     deps.Circuit,
		meter:       deps.Meter,
		fallback:    deps.Fallback,
		analyzer:    deps.Analyzer,
		store:       deps.Store,
		degradation: deps.Degradation,
		degraded:    degraded,
		config:      config,
		logger:      logger,
		metrics:     config.Metrics,
		tracing:     config.Tracing,
		now:         config.Now,
	}, nil
}

// GetEnhancedSummary checks the budget, then the circuit, then produces the
// analysis once per context hash across concurrent callers. Every degraded
// path answers with the fallback summarizer.
func (s *Service) GetEnhancedSummary(ctx context.Context, events []types.Event, profile string) (types.Analysis, error) {
	digest, err := s.compactor.Digest(events)
	if err != nil {
		return types.Analysis{}, appErrors.NewInternalError("failed to digest events").WithCause(err)
	}

	ctx, span := s.tracing.StartSummarySpan(ctx, "pipeline", digest.Hash, len(events))
	defer span.End()

	if exceeded, reason := s.meter.IsBudgetExceeded(ctx); exceeded {
		s.logger.Warn("Budget exceeded, using fallback summary",
			"reason", reason,
			"context_hash", digest.Hash,
		)
		return s.fallbackAnalysis(events, digest.Hash, ReasonBudgetExceeded), nil
	}

	if s.circuit.IsOpen() {
		if cached, ok := s.cache.Get(ctx, s.config.CardVersion, digest.Hash); ok {
			s.logger.Info("Circuit open, returning cached summary", "context_hash", digest.Hash)
			return cached, nil
		}
		s.logger.Warn("Circuit open, using fallback summary", "context_hash", digest.Hash)
		return s.fallbackAnalysis(events, digest.Hash, ReasonCircuitOpen), nil
	}

	analysis, err := s.coordinator.Do(ctx, s.config.CardVersion, digest.Hash, func(ctx context.Context) (types.Analysis, error) {
		return s.produce(ctx, events, digest, profile)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.tracing.RecordError(span, ctxErr)
			return types.Analysis{}, ctxErr
		}
		s.tracing.RecordError(span, err)
		s.logger.Error("Summary production failed, using fallback summary",
			"context_hash", digest.Hash,
			"error", err,
		)
		return s.fallbackAnalysis(events, digest.Hash, ReasonProducerFailure), nil
	}
	return analysis, nil
}

// produce runs inside singleflight. Its successful results, fallback ones
// included, are cached; a ProducerFailure is not.
func (s *Service) produce(ctx context.Context, events []types.Event, digest compactor.Digest, profile string) (types.Analysis, error) {
	if ShouldSkipAnalyzer(events) {
		s.logger.Info("Policy: skipping analyzer for low-priority events",
			"context_hash", digest.Hash,
			"events", len(events),
		)
		return s.fallbackAnalysis(events, digest.Hash, ReasonPolicySkip), nil
	}

	start := s.now()
	var result analyzer.Result
	_, err := s.circuit.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		ctx, span := s.tracing.StartProviderSpan(ctx, GeneratedByAnalyzer)
		defer span.End()

		r, err := s.analyzer.Analyze(ctx, analyzer.Request{
			CardVersion: s.config.CardVersion,
			ContextHash: digest.Hash,
			Context:     digest.Context,
			Profile:     profile,
			Events:      events,
		})
		s.tracing.RecordError(span, err)
		if err != nil {
			return nil, err
		}
		result = r
		return nil, nil
	})
	elapsed := s.now().Sub(start)

	switch {
	case err == nil:
		s.metrics.RecordProducer("success", elapsed)
		usage := result.Usage
		if err := s.meter.RecordUsage(ctx, usage.PromptTokens, usage.CompletionTokens, usage.CostUSD); err != nil {
			s.logger.Warn("Failed to record usage", "context_hash", digest.Hash, "error", err)
		}
		return s.decorate(result.Analysis, digest.Hash), nil

	case resilience.IsCircuitOpenError(err):
		s.metrics.RecordProducer("circuit_open", elapsed)
		s.logger.Warn("Circuit opened during analysis", "context_hash", digest.Hash)
		s.degraded.Add(digest.Hash, struct{}{})
		return s.fallbackAnalysis(events, digest.Hash, ReasonCircuitOpen), nil

	case appErrors.IsType(err, appErrors.ErrorTypeQuotaExhausted):
		s.metrics.RecordProducer("quota_exhausted", elapsed)
		s.logger.Warn("Analyzer quota exhausted, using fallback summary",
			"context_hash", digest.Hash,
			"error", err,
		)
		s.degraded.Add(digest.Hash, struct{}{})
		return s.fallbackAnalysis(events, digest.Hash, ReasonQuotaExhausted), nil

	default:
		s.metrics.RecordProducer("error", elapsed)
		return types.Analysis{}, appErrors.NewProducerFailureError(digest.Hash, err)
	}
}

func (s *Service) decorate(analysis types.Analysis, contextHash string) types.Analysis {
	if analysis.Metadata.GeneratedBy == "" {
		analysis.Metadata.GeneratedBy = GeneratedByAnalyzer
	}
	if analysis.Metadata.Timestamp.IsZero() {
		analysis.Metadata.Timestamp = s.now().UTC()
	}
	analysis.Metadata.ContextHash = contextHash
	analysis.Metadata.CardVersion = s.config.CardVersion
	return analysis
}

func (s *Service) fallbackAnalysis(events []types.Event, contextHash, reason string) types.Analysis {
	analysis := s.fallback.GenerateEnhancedSummary(events, s.config.Window)
	analysis.Metadata.DegradedReason = reason
	analysis.Metadata.ContextHash = contextHash
	analysis.Metadata.CardVersion = s.config.CardVersion
	s.metrics.RecordFallback(reason)
	return analysis
}

// ShouldSkipAnalyzer reports whether the event set is too low-priority to
// justify a generative call: no P1 events and at most two P2 events.
func ShouldSkipAnalyzer(events []types.Event) bool {
	counts := compactor.CountByPriority(events)
	return counts[types.PriorityP1] == 0 && counts[types.PriorityP2] <= maxSkippableP2
}

// CheckAdmission implements SummaryService
func (s *Service) CheckAdmission(clientID string) error {
	return s.limiter.Allow(clientID)
}

// RecordLLMUsage implements SummaryService
func (s *Service) RecordLLMUsage(ctx context.Context, promptTokens, completionTokens int, costUSD float64) error {
	if promptTokens < 0 || completionTokens < 0 || costUSD < 0 {
		return appErrors.NewValidationError("usage must not be negative")
	}
	return s.meter.RecordUsage(ctx, promptTokens, completionTokens, costUSD)
}

// GetUsageStatus implements SummaryService
func (s *Service) GetUsageStatus(ctx context.Context) UsageStatus {
	status := UsageStatus{
		Usage:          s.meter.GetUsageSummary(ctx),
		CircuitBreaker: s.circuit.Snapshot(),
		RateLimit:      s.limiter.Status(),
		Store:          s.storeStatus(),
		Degradation:    resilience.DegradationStatus{Level: resilience.LevelNormal.String()},
		InFlight:       s.coordinator.InFlight(),
		Timestamp:      s.now().UTC(),
	}
	if s.degradation != nil {
		status.Degradation = s.degradation.Status()
	}
	return status
}

type backendReporter interface {
	Backend() string
	Healthy() bool
}

func (s *Service) storeStatus() StoreStatus {
	switch st := s.store.(type) {
	case nil:
		return StoreStatus{}
	case backendReporter:
		return StoreStatus{Backend: st.Backend(), Healthy: st.Healthy()}
	default:
		return StoreStatus{Backend: st.Name(), Healthy: true}
	}
}

// ResetCircuit implements SummaryService. Cached quota and circuit fallbacks
// are invalidated so the next request reaches the analyzer again.
func (s *Service) ResetCircuit(ctx context.Context) int {
	s.circuit.ForceReset()

	invalidated := 0
	for _, hash := range s.degraded.Keys() {
		s.degraded.Remove(hash)
		if err := s.cache.Invalidate(ctx, s.config.CardVersion, hash); err != nil {
			s.logger.Warn("Failed to invalidate degraded summary", "context_hash", hash, "error", err)
			continue
		}
		invalidated++
	}
	return invalidated
}

// ClearCache implements SummaryService
func (s *Service) ClearCache(ctx context.Context) (int, error) {
	return s.cache.Clear(ctx)
}
