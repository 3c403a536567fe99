package summary

import (
	"context"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/analyzer"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/cache"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/meter"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/ratelimit"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// SummaryService is the quota-controlled summarization path
type SummaryService interface {
	// GetEnhancedSummary always returns a usable analysis unless ctx is done
	GetEnhancedSummary(ctx context.Context, events []types.Event, profile string) (types.Analysis, error)

	// CheckAdmission returns nil or an AdmissionDenied error
	CheckAdmission(clientID string) error

	// RecordLLMUsage records consumption of a generative call made elsewhere
	RecordLLMUsage(ctx context.Context, promptTokens, completionTokens int, costUSD float64) error

	// GetUsageStatus reports budget, circuit, admission and store state
	GetUsageStatus(ctx context.Context) UsageStatus

	// ResetCircuit closes the circuit regardless of its cooldown and drops
	// cached fallbacks caused by quota exhaustion or an open circuit. It
	// returns how many cached entries were dropped.
	ResetCircuit(ctx context.Context) int

	// ClearCache drops every cached analysis
	ClearCache(ctx context.Context) (int, error)
}

// Analyzer is the external generative collaborator
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (analyzer.Result, error)
}

// Degraded reasons recorded in analysis metadata and metrics
const (
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonCircuitOpen     = "circuit_open"
	ReasonQuotaExhausted  = "quota_exhausted"
	ReasonPolicySkip      = "policy_skip"
	ReasonProducerFailure = "producer_failure"
)

// GeneratedByAnalyzer marks analyses produced by the generative call
const GeneratedByAnalyzer = "analyzer"

// StoreStatus describes the backend answering cache and meter reads
type StoreStatus struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
}

// UsageStatus is the body of the usage endpoint
type UsageStatus struct {
	Usage          meter.Summary                `json:"usage"`
	CircuitBreaker resilience.CircuitSnapshot   `json:"circuit_breaker"`
	RateLimit      ratelimit.Status             `json:"rate_limit"`
	Store          StoreStatus                  `json:"store"`
	Degradation    resilience.DegradationStatus `json:"degradation"`
	InFlight       []cache.Ticket               `json:"in_flight"`
	Timestamp      time.Time                    `json:"timestamp"`
}
