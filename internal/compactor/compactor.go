// Package compactor turns an event set into a short, deterministic context
// string for the generative call and a permutation-invariant hash used as
// the cache key.
package compactor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// DefaultMaxExamples bounds the Examples section
const DefaultMaxExamples = 12

const (
	maxIDWidth          = 12
	maxSummaryWidth     = 60
	maxHashSummaryWidth = 100
	ellipsis            = "..."
)

// Keywords that mark an event as high impact, in scoring order
var Keywords = []string{
	"payment", "checkout", "auth", "login", "api", "gateway",
	"db", "cache", "kafka", "timeout", "5xx", "error", "latency",
	"critical", "down", "outage", "fail", "exception", "crash",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// Compactor scores and summarises events
type Compactor struct {
	maxExamples int
	now         func() time.Time
}

// Option configures a Compactor
type Option func(*Compactor)

// WithMaxExamples overrides the number of example lines
func WithMaxExamples(n int) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.maxExamples = n
		}
	}
}

// WithClock overrides the clock used for recency scoring
func WithClock(now func() time.Time) Option {
	return func(c *Compactor) { c.now = now }
}

// New creates a compactor
func New(opts ...Option) *Compactor {
	c := &Compactor{maxExamples: DefaultMaxExamples, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Digest is the compacted view of one event set
type Digest struct {
	Totals       int                    `json:"totals"`
	ByPriority   map[types.Priority]int `json:"by_priority"`
	SourceCounts map[string]int         `json:"source_counts"`
	// Examples are the highest scoring events, best first
	Examples []types.Event `json:"examples"`
	Context  string        `json:"context"`
	Hash     string        `json:"hash"`
}

// TotalsLine renders the header line of the context
func (d Digest) TotalsLine() string {
	return fmt.Sprintf("Totals=%d; P1=%d; P2=%d; P3=%d",
		d.Totals, d.ByPriority[types.PriorityP1], d.ByPriority[types.PriorityP2], d.ByPriority[types.PriorityP3])
}

// SourcesLine renders sources sorted by name
func (d Digest) SourcesLine() string {
	names := make([]string, 0, len(d.SourceCounts))
	for name := range d.SourceCounts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, d.SourceCounts[name])
	}
	return "Sources: " + strings.Join(parts, ", ")
}

// Digest computes totals, ranked examples, the context string and the hash
func (c *Compactor) Digest(events []types.Event) (Digest, error) {
	d := Digest{
		Totals:       len(events),
		ByPriority:   CountByPriority(events),
		SourceCounts: CountBySource(events),
		Examples:     c.Rank(events, c.maxExamples),
	}

	hash, err := ContextHash(events)
	if err != nil {
		return Digest{}, err
	}
	d.Hash = hash
	d.Context = render(d)
	return d, nil
}

// CompactContext returns the context string for events
func (c *Compactor) CompactContext(events []types.Event) string {
	return render(Digest{
		Totals:       len(events),
		ByPriority:   CountByPriority(events),
		SourceCounts: CountBySource(events),
		Examples:     c.Rank(events, c.maxExamples),
	})
}

func render(d Digest) string {
	if d.Totals == 0 {
		return "No events"
	}

	lines := []string{d.TotalsLine(), d.SourcesLine()}
	if len(d.Examples) > 0 {
		lines = append(lines, "Examples:")
		for _, e := range d.Examples {
			lines = append(lines, "- "+formatExample(e))
		}
	}
	return strings.Join(lines, "\n")
}

func formatExample(e types.Event) string {
	id := e.ID
	if id == "" {
		id = "unknown"
	}
	status := e.Status
	if status == "" {
		status = "unknown"
	}
	return fmt.Sprintf("id=%s src=%s pri=%s status=%s sum=%s",
		Truncate(id, maxIDWidth),
		e.NormalizedSource(),
		e.NormalizedPriority(),
		status,
		Truncate(e.Summary, maxSummaryWidth),
	)
}

// Rank returns at most limit events ordered by descending score. Events with
// equal scores keep their input order.
func (c *Compactor) Rank(events []types.Event, limit int) []types.Event {
	now := c.now()
	type scored struct {
		event types.Event
		score float64
	}

	ranked := make([]scored, len(events))
	for i, e := range events {
		ranked[i] = scored{event: e, score: Score(e, now)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]types.Event, len(ranked))
	for i, s := range ranked {
		out[i] = s.event
	}
	return out
}

// Score rates the importance of an event at time now
func Score(e types.Event, now time.Time) float64 {
	var score float64

	switch e.NormalizedPriority() {
	case types.PriorityP1:
		score += 100
	case types.PriorityP2:
		score += 50
	default:
		score += 10
	}

	switch e.NormalizedStatus() {
	case "open", "in progress", "investigating":
		score += 30
	case "resolved", "closed":
		score += 5
	}

	if ts := strings.TrimSpace(e.Timestamp); ts != "" {
		if at, ok := parseTimestamp(ts); ok {
			hoursAgo := now.Sub(at).Hours()
			switch {
			case hoursAgo <= 10:
				score += 20
			case hoursAgo <= 24:
				score += 10
			}
		} else {
			score += 5
		}
	}

	score += float64(len(MatchedKeywords(e.Summary))) * 15
	return score
}

// MatchedKeywords returns the high-impact keywords found in summary
func MatchedKeywords(summary string) []string {
	lower := strings.ToLower(summary)
	var matched []string
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// HasHighImpactKeyword reports whether summary contains any keyword
func HasHighImpactKeyword(summary string) bool {
	lower := strings.ToLower(summary)
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// CountByPriority always contains P1, P2 and P3
func CountByPriority(events []types.Event) map[types.Priority]int {
	counts := make(map[types.Priority]int, len(types.Priorities))
	for _, p := range types.Priorities {
		counts[p] = 0
	}
	for _, e := range events {
		counts[e.NormalizedPriority()]++
	}
	return counts
}

// CountBySource counts events per normalized source
func CountBySource(events []types.Event) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.NormalizedSource()]++
	}
	return counts
}

type hashedEvent struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	// Encoded names the fields hex-encoded because they were not valid UTF-8
	Encoded []string `json:"encoded,omitempty"`
}

func (h *hashedEvent) encodeInvalidUTF8() {
	fields := []struct {
		name  string
		value *string
	}{
		{"id", &h.ID},
		{"status", &h.Status},
		{"source", &h.Source},
		{"summary", &h.Summary},
	}
	for _, f := range fields {
		if !utf8.ValidString(*f.value) {
			*f.value = hex.EncodeToString([]byte(*f.value))
			h.Encoded = append(h.Encoded, f.name)
		}
	}
}

// ContextHash returns the first 16 hex chars of the sha256 of the canonical
// (RFC 8785) JSON of the sorted event projection. Reordering events never
// changes the hash. Fields that are not valid UTF-8 are hashed as the hex of
// their raw bytes so distinct byte strings never collapse into U+FFFD.
func ContextHash(events []types.Event) (string, error) {
	projected := make([]hashedEvent, len(events))
	for i, e := range events {
		projected[i] = hashedEvent{
			ID:       e.ID,
			Priority: string(e.NormalizedPriority()),
			Status:   e.Status,
			Source:   e.NormalizedSource(),
			Summary:  prefix(e.Summary, maxHashSummaryWidth),
		}
	}
	sort.Slice(projected, func(i, j int) bool {
		a, b := projected[i], projected[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Summary < b.Summary
	})
	for i := range projected {
		projected[i].encodeInvalidUTF8()
	}

	raw, err := json.Marshal(projected)
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize context: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Truncate shortens s to at most width runes, ending in "..." when cut
func Truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= len(ellipsis) {
		return string(runes[:width])
	}
	return string(runes[:width-len(ellipsis)]) + ellipsis
}

// prefix keeps the first width runes of s byte for byte; each invalid byte
// counts as one rune.
func prefix(s string, width int) string {
	n := 0
	for i := range s {
		if n == width {
			return s[:i]
		}
		n++
	}
	return s
}

func parseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if at, err := time.Parse(layout, ts); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}
