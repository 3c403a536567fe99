package fallback

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSummarizer(opts ...Option) *Summarizer {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func scenarioEvents() []types.Event {
	return []types.Event{
		{ID: "A", Source: "datadog", Priority: "P1", Status: "open", Summary: "Critical db outage"},
		{ID: "B", Source: "jira", Priority: "P2", Status: "open", Summary: "High memory"},
		{ID: "C", Source: "jams", Priority: "P3", Status: "resolved", Summary: "routine job retry"},
	}
}

func TestGenerateEnhancedSummary_Scenario(t *testing.T) {
	got := newTestSummarizer().GenerateEnhancedSummary(scenarioEvents(), "")

	want := types.Analysis{
		Totals:     3,
		ByPriority: map[types.Priority]int{types.PriorityP1: 1, types.PriorityP2: 1, types.PriorityP3: 1},
		BySource:   map[string]int{"datadog": 1, "jira": 1, "jams": 1},
		TopEvents: []types.TopEvent{
			{ID: "A", Priority: types.PriorityP1, Source: "datadog", Summary: "Critical db outage",
				WhyTop: "High priority (P1); Active status; Contains critical keywords: db, critical, outage"},
			{ID: "B", Priority: types.PriorityP2, Source: "jira", Summary: "High memory",
				WhyTop: "High priority (P2); Active status"},
			{ID: "C", Priority: types.PriorityP3, Source: "jams", Summary: "routine job retry",
				WhyTop: "Recent event requiring attention"},
		},
		Recommendations: []string{"CRITICAL: address 1 P1 event(s) immediately, they require urgent attention"},
		Actions: []types.Action{{
			Provider: "slack",
			DryRun:   true,
			Why:      "Notify team about 2 high-priority events requiring attention",
			Risk:     "Low: informational notification only",
			Rollback: "No rollback needed for notifications",
		}},
		Metadata: types.AnalysisMetadata{
			GeneratedBy:   GeneratedBy,
			Window:        DefaultWindow,
			Timestamp:     fixedNow,
			QuotaDegraded: true,
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fallback summary mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateEnhancedSummary_AllP3IsStable(t *testing.T) {
	events := make([]types.Event, 4)
	for i := range events {
		events[i] = types.Event{ID: fmt.Sprintf("e%d", i), Source: "jams", Priority: "P3", Status: "resolved", Summary: "nightly batch"}
	}

	got := newTestSummarizer().GenerateEnhancedSummary(events, "last_1h")

	assert.Equal(t, []string{StableRecommendation}, got.Recommendations)
	for _, rec := range got.Recommendations {
		assert.NotContains(t, rec, "P1")
		assert.NotContains(t, rec, "P2")
	}
	assert.Empty(t, got.Actions)
	assert.Equal(t, "last_1h", got.Metadata.Window)
}

func TestGenerateEnhancedSummary_CitesP1Count(t *testing.T) {
	events := make([]types.Event, 4)
	for i := range events {
		events[i] = types.Event{ID: fmt.Sprintf("p1-%d", i), Source: "datadog", Priority: "P1", Status: "open", Summary: "checkout latency"}
	}

	got := newTestSummarizer().GenerateEnhancedSummary(events, "")

	require.NotEmpty(t, got.Recommendations)
	assert.Contains(t, got.Recommendations[0], "4")
	assert.Contains(t, got.Recommendations[0], "P1")
}

func TestGenerateEnhancedSummary_Empty(t *testing.T) {
	got := newTestSummarizer().GenerateEnhancedSummary(nil, "")

	want := types.Analysis{
		ByPriority:      map[types.Priority]int{types.PriorityP1: 0, types.PriorityP2: 0, types.PriorityP3: 0},
		BySource:        map[string]int{},
		TopEvents:       []types.TopEvent{},
		Recommendations: []string{},
		Actions:         []types.Action{},
		Metadata: types.AnalysisMetadata{
			GeneratedBy:   GeneratedBy,
			Window:        DefaultWindow,
			Timestamp:     fixedNow,
			QuotaDegraded: true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("empty summary mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateEnhancedSummary_Thresholds(t *testing.T) {
	var events []types.Event
	add := func(n int, e types.Event) {
		for i := 0; i < n; i++ {
			e.ID = fmt.Sprintf("%s-%d", e.Source, len(events))
			events = append(events, e)
		}
	}
	add(21, types.Event{Source: "datadog", Priority: "P3", Status: "open", Summary: "api error rate"})
	add(4, types.Event{Source: "jira", Priority: "P2", Status: "resolved", Summary: "ticket"})

	got := newTestSummarizer().GenerateEnhancedSummary(events, "")

	want := []string{
		"HIGH: 4 P2 events detected, consider increasing monitoring sensitivity",
		DefaultSourceRules[0].Recommendation,
		DefaultSourceRules[2].Recommendation,
		"Status: 21 open events, consider automated resolution workflows",
		"Impact: 21 high-impact events, review the architecture for single points of failure",
	}
	if diff := cmp.Diff(want, got.Recommendations); diff != "" {
		t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, got.Actions, 2)
	assert.Equal(t, "datadog", got.Actions[1].Provider)
	for _, a := range got.Actions {
		assert.True(t, a.DryRun)
		assert.NotEmpty(t, a.Risk)
		assert.NotEmpty(t, a.Rollback)
	}
	assert.Len(t, got.TopEvents, 5)
}

func TestGenerateEnhancedSummary_CapsRecommendations(t *testing.T) {
	var events []types.Event
	for i := 0; i < 12; i++ {
		events = append(events, types.Event{ID: fmt.Sprintf("x%d", i), Source: "jams", Priority: "P1", Status: "open", Summary: "payment gateway down"})
	}
	for i := 0; i < 4; i++ {
		events = append(events, types.Event{ID: fmt.Sprintf("y%d", i), Source: "jira", Priority: "P2"})
	}

	got := newTestSummarizer().GenerateEnhancedSummary(events, "")
	assert.Len(t, got.Recommendations, 5)
}

func TestGenerateEnhancedSummary_CustomSourceRules(t *testing.T) {
	rules := []SourceRule{{Source: "pagerduty", Threshold: 1, Recommendation: "PagerDuty: review escalation policy"}}
	events := []types.Event{
		{ID: "1", Source: "pagerduty", Priority: "P3"},
		{ID: "2", Source: "pagerduty", Priority: "P3"},
	}

	got := newTestSummarizer(WithSourceRules(rules)).GenerateEnhancedSummary(events, "")
	assert.Equal(t, []string{"PagerDuty: review escalation policy"}, got.Recommendations)
}

func TestTopEvents_TruncatesAndFillsIDs(t *testing.T) {
	events := []types.Event{{Source: "jira", Priority: "P2", Summary: strings.Repeat("x", 150)}}

	got := newTestSummarizer().GenerateEnhancedSummary(events, "")

	require.Len(t, got.TopEvents, 1)
	assert.Equal(t, "event_0", got.TopEvents[0].ID)
	assert.Len(t, []rune(got.TopEvents[0].Summary), 100)
}
