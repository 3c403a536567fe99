// Package fallback builds a deterministic analysis of an event set without
// the generative call. It never performs side effects.
package fallback

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/compactor"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// GeneratedBy marks analyses produced by this package
const GeneratedBy = "fallback_summarizer"

// DefaultWindow is used when the caller does not name one
const DefaultWindow = "last_24h"

const (
	maxTopEvents       = 5
	maxRecommendations = 5
	maxSummaryWidth    = 100
	maxWhyKeywords     = 3

	p2SensitivityThreshold = 3
	openWorkflowThreshold  = 10
	highImpactThreshold    = 5
	datadogReviewThreshold = 20
)

// SourceRule emits Recommendation when a source has more than Threshold events
type SourceRule struct {
	Source         string
	Threshold      int
	Recommendation string
}

// DefaultSourceRules are evaluated in order
var DefaultSourceRules = []SourceRule{
	{Source: "datadog", Threshold: 20, Recommendation: "Datadog: high alert volume, review alert thresholds and reduce noise"},
	{Source: "jams", Threshold: 5, Recommendation: "JAMS: multiple job failures, investigate job dependencies and retry logic"},
	{Source: "jira", Threshold: 3, Recommendation: "JIRA: several tickets created, ensure proper triage and assignment"},
}

// StableRecommendation is emitted when no threshold is crossed
const StableRecommendation = "System appears stable, continue monitoring for emerging issues"

// Summarizer produces fallback analyses
type Summarizer struct {
	compactor   *compactor.Compactor
	sourceRules []SourceRule
	now         func() time.Time
}

// Option configures a Summarizer
type Option func(*Summarizer)

// WithSourceRules replaces the per-source thresholds
func WithSourceRules(rules []SourceRule) Option {
	return func(s *Summarizer) { s.sourceRules = rules }
}

// WithClock overrides the clock used for ranking and metadata
func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) { s.now = now }
}

// New creates a fallback summarizer
func New(opts ...Option) *Summarizer {
	s := &Summarizer{
		sourceRules: DefaultSourceRules,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.compactor = compactor.New(compactor.WithClock(s.now))
	return s
}

// GenerateEnhancedSummary returns an analysis shaped like the generative
// output. The caller sets Metadata.DegradedReason.
func (s *Summarizer) GenerateEnhancedSummary(events []types.Event, window string) types.Analysis {
	if window == "" {
		window = DefaultWindow
	}

	analysis := types.Analysis{
		Totals:          len(events),
		ByPriority:      compactor.CountByPriority(events),
		BySource:        compactor.CountBySource(events),
		TopEvents:       []types.TopEvent{},
		Recommendations: []string{},
		Actions:         []types.Action{},
		Metadata: types.AnalysisMetadata{
			GeneratedBy:   GeneratedBy,
			Window:        window,
			Timestamp:     s.now().UTC(),
			QuotaDegraded: true,
		},
	}
	if len(events) == 0 {
		return analysis
	}

	analysis.TopEvents = s.topEvents(events)
	analysis.Recommendations = s.recommendations(events, analysis.ByPriority, analysis.BySource)
	analysis.Actions = actions(events)
	return analysis
}

func (s *Summarizer) topEvents(events []types.Event) []types.TopEvent {
	ranked := s.compactor.Rank(events, maxTopEvents)
	top := make([]types.TopEvent, len(ranked))
	for i, e := range ranked {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("event_%d", i)
		}
		top[i] = types.TopEvent{
			ID:       id,
			Priority: e.NormalizedPriority(),
			Source:   e.NormalizedSource(),
			WhyTop:   whyTop(e),
			Summary:  compactor.Truncate(e.Summary, maxSummaryWidth),
		}
	}
	return top
}

func whyTop(e types.Event) string {
	var reasons []string

	if p := e.NormalizedPriority(); p == types.PriorityP1 || p == types.PriorityP2 {
		reasons = append(reasons, fmt.Sprintf("High priority (%s)", p))
	}
	if e.IsActive() {
		reasons = append(reasons, "Active status")
	}
	if matched := compactor.MatchedKeywords(e.Summary); len(matched) > 0 {
		if len(matched) > maxWhyKeywords {
			matched = matched[:maxWhyKeywords]
		}
		reasons = append(reasons, "Contains critical keywords: "+strings.Join(matched, ", "))
	}

	if len(reasons) == 0 {
		return "Recent event requiring attention"
	}
	return strings.Join(reasons, "; ")
}

func (s *Summarizer) recommendations(events []types.Event, byPriority map[types.Priority]int, bySource map[string]int) []string {
	var recs []string

	if n := byPriority[types.PriorityP1]; n > 0 {
		recs = append(recs, fmt.Sprintf("CRITICAL: address %d P1 event(s) immediately, they require urgent attention", n))
	}
	if n := byPriority[types.PriorityP2]; n > p2SensitivityThreshold {
		recs = append(recs, fmt.Sprintf("HIGH: %d P2 events detected, consider increasing monitoring sensitivity", n))
	}

	for _, rule := range s.sourceRules {
		if bySource[rule.Source] > rule.Threshold {
			recs = append(recs, rule.Recommendation)
		}
	}

	active, highImpact := 0, 0
	for _, e := range events {
		if e.IsActive() {
			active++
		}
		if compactor.HasHighImpactKeyword(e.Summary) {
			highImpact++
		}
	}
	if active > openWorkflowThreshold {
		recs = append(recs, fmt.Sprintf("Status: %d open events, consider automated resolution workflows", active))
	}
	if highImpact > highImpactThreshold {
		recs = append(recs, fmt.Sprintf("Impact: %d high-impact events, review the architecture for single points of failure", highImpact))
	}

	if len(recs) == 0 {
		return []string{StableRecommendation}
	}
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}

func actions(events []types.Event) []types.Action {
	out := []types.Action{}

	highPriority := 0
	for _, e := range events {
		if p := e.NormalizedPriority(); p == types.PriorityP1 || p == types.PriorityP2 {
			highPriority++
		}
	}

	if highPriority > 0 {
		out = append(out, types.Action{
			Provider: "slack",
			DryRun:   true,
			Why:      fmt.Sprintf("Notify team about %d high-priority events requiring attention", highPriority),
			Risk:     "Low: informational notification only",
			Rollback: "No rollback needed for notifications",
		})
	}
	if len(events) > datadogReviewThreshold {
		out = append(out, types.Action{
			Provider: "datadog",
			DryRun:   true,
			Why:      "Review and tune alert thresholds to reduce noise",
			Risk:     "Low: read-only analysis",
			Rollback: "No changes made, analysis only",
		})
	}
	return out
}
