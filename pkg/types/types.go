package types

import (
	"strings"
	"time"
)

// Priority represents the urgency of a monitoring event
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Priorities lists every known priority, most urgent first
var Priorities = []Priority{PriorityP1, PriorityP2, PriorityP3}

// UnknownSource is used for events that carry no source
const UnknownSource = "unknown"

// Event represents a monitoring event snapshot supplied by the event source.
// Events are read-only and discarded after each request.
type Event struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Priority  Priority `json:"priority"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// NormalizedPriority returns the event priority, defaulting to P3 when the
// value is missing or unrecognised.
func (e Event) NormalizedPriority() Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(string(e.Priority)))) {
	case PriorityP1:
		return PriorityP1
	case PriorityP2:
		return PriorityP2
	default:
		return PriorityP3
	}
}

// NormalizedSource returns the event source or "unknown"
func (e Event) NormalizedSource() string {
	if s := strings.TrimSpace(e.Source); s != "" {
		return s
	}
	return UnknownSource
}

// NormalizedStatus lowercases the status and folds "-" and "_" into spaces
// so that "In-Progress" and "in_progress" compare equal to "in progress".
func (e Event) NormalizedStatus() string {
	s := strings.ToLower(strings.TrimSpace(e.Status))
	return strings.NewReplacer("-", " ", "_", " ").Replace(s)
}

// IsActive reports whether the event is still being worked on
func (e Event) IsActive() bool {
	switch e.NormalizedStatus() {
	case "open", "in progress":
		return true
	}
	return false
}

// Analysis is the structured result of an enhanced summary. The generative
// path and the fallback summarizer both produce this shape.
type Analysis struct {
	Totals          int              `json:"totals"`
	ByPriority      map[Priority]int `json:"by_priority"`
	BySource        map[string]int   `json:"by_source"`
	TopEvents       []TopEvent       `json:"top_events"`
	Recommendations []string         `json:"recommendations"`
	Actions         []Action         `json:"actions"`
	Metadata        AnalysisMetadata `json:"analysis_metadata"`
}

// TopEvent is a ranked event with a justification
type TopEvent struct {
	ID       string   `json:"id"`
	Priority Priority `json:"priority"`
	Source   string   `json:"source"`
	WhyTop   string   `json:"why_top"`
	Summary  string   `json:"summary"`
}

// Action is a proposed remediation for human review. Actions produced by this
// module are always dry-run.
type Action struct {
	Provider string `json:"provider"`
	DryRun   bool   `json:"dry_run"`
	Why      string `json:"why"`
	Risk     string `json:"risk"`
	Rollback string `json:"rollback"`
}

// AnalysisMetadata describes how an analysis was produced
type AnalysisMetadata struct {
	GeneratedBy    string    `json:"generated_by"`
	Window         string    `json:"window,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	QuotaDegraded  bool      `json:"quota_degraded"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	ContextHash    string    `json:"context_hash,omitempty"`
	CardVersion    string    `json:"card_version,omitempty"`
}

// Usage reports token consumption of one generative call
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// TotalTokens returns prompt plus completion tokens
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}
