// Package meter records generative-call consumption per UTC hour and day and
// enforces the configured token and cost ceilings.
package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

const (
	dailyKeyPrefix  = "llm:usage:"
	hourlyKeyPrefix = "llm:usage:hourly:"

	dailyTTL  = 7 * 24 * time.Hour
	hourlyTTL = 25 * time.Hour

	fieldTokens   = "tokens"
	fieldRequests = "requests"
	fieldCost     = "cost_usd"

	alertSource = "usage_meter"

	// concurrent alert deliveries; further batches are dropped and logged
	maxPendingDeliveries = 8
)

// Alert types, one cooldown each
const (
	AlertDailyTokens90   = "daily_tokens_90"
	AlertDailyTokens100  = "daily_tokens_100"
	AlertHourlyTokens90  = "hourly_tokens_90"
	AlertHourlyTokens100 = "hourly_tokens_100"
	AlertDailyCost90     = "daily_cost_90"
	AlertDailyCost100    = "daily_cost_100"
)

// Budget holds the ceilings. Zero or negative disables a dimension.
type Budget struct {
	DailyTokens  int64   `json:"daily_tokens"`
	HourlyTokens int64   `json:"hourly_tokens"`
	DailyCostUSD float64 `json:"daily_cost_usd"`
}

// DefaultBudget returns the default ceilings
func DefaultBudget() Budget {
	return Budget{
		DailyTokens:  200000,
		HourlyTokens: 40000,
	}
}

// UsageRecord is the accumulated consumption of one period
type UsageRecord struct {
	PeriodKey   string    `json:"period_key"`
	Tokens      int64     `json:"tokens"`
	Requests    int64     `json:"requests"`
	CostUSD     float64   `json:"cost_usd"`
	LastUpdated time.Time `json:"last_updated"`
}

func recordFromCounters(key string, c store.Counters) UsageRecord {
	return UsageRecord{
		PeriodKey: key,
		Tokens:    int64(c.Get(fieldTokens)),
		Requests:  int64(c.Get(fieldRequests)),
		CostUSD:   c.Get(fieldCost),
	}
}

// Config configures a Meter
type Config struct {
	Budget Budget

	// Alerts receives threshold alerts; nil logs them only
	Alerts  *resilience.AlertManager
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Meter tracks usage in a store shared by every replica
type Meter struct {
	store   store.Store
	budget  Budget
	alerts  *resilience.AlertManager
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	pending  chan struct{}
	inflight sync.WaitGroup
}

// New creates a usage meter
func New(st store.Store, config Config) *Meter {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Meter{
		store:   st,
		budget:  config.Budget,
		alerts:  config.Alerts,
		logger:  logging.OrGlobal(config.Logger),
		metrics: config.Metrics,
		now:     config.Now,
		pending: make(chan struct{}, maxPendingDeliveries),
	}
}

// Budget returns the configured ceilings
func (m *Meter) Budget() Budget {
	return m.budget
}

// DailyKey returns the daily record key for t, in UTC
func DailyKey(t time.Time) string {
	return dailyKeyPrefix + t.UTC().Format("20060102")
}

// HourlyKey returns the hourly record key for t, in UTC
func HourlyKey(t time.Time) string {
	return hourlyKeyPrefix + t.UTC().Format("2006010215")
}

// RecordUsage adds one call's consumption to the current hourly and daily
// records and raises threshold alerts. Alerts are delivered in the background
// and never delay or fail the call.
func (m *Meter) RecordUsage(ctx context.Context, promptTokens, completionTokens int, costUSD float64) error {
	now := m.now()
	total := promptTokens + completionTokens
	deltas := store.Counters{
		fieldTokens:   float64(total),
		fieldRequests: 1,
		fieldCost:     costUSD,
	}

	daily, err := m.incr(ctx, DailyKey(now), deltas, dailyTTL, now)
	if err != nil {
		return fmt.Errorf("failed to record daily usage: %w", err)
	}
	hourly, err := m.incr(ctx, HourlyKey(now), deltas, hourlyTTL, now)
	if err != nil {
		return fmt.Errorf("failed to record hourly usage: %w", err)
	}

	m.metrics.RecordUsage(promptTokens, completionTokens, costUSD)
	m.logger.Debug("Usage recorded",
		"tokens", total,
		"cost_usd", costUSD,
		"daily_tokens", daily.Tokens,
		"hourly_tokens", hourly.Tokens,
	)

	m.checkThresholds(ctx, daily, hourly)
	return nil
}

func (m *Meter) incr(ctx context.Context, key string, deltas store.Counters, ttl time.Duration, now time.Time) (UsageRecord, error) {
	counters, err := m.store.IncrCounters(ctx, key, deltas, ttl)
	if err != nil {
		return UsageRecord{}, err
	}
	record := recordFromCounters(key, counters)
	record.LastUpdated = now.UTC()
	return record, nil
}

func (m *Meter) usage(ctx context.Context, key string) UsageRecord {
	counters, err := m.store.GetCounters(ctx, key)
	if err != nil {
		m.logger.Warn("Failed to read usage record", "key", key, "error", err)
		return UsageRecord{PeriodKey: key}
	}
	return recordFromCounters(key, counters)
}

// DailyUsage returns the current UTC day's record
func (m *Meter) DailyUsage(ctx context.Context) UsageRecord {
	return m.usage(ctx, DailyKey(m.now()))
}

// HourlyUsage returns the current UTC hour's record
func (m *Meter) HourlyUsage(ctx context.Context) UsageRecord {
	return m.usage(ctx, HourlyKey(m.now()))
}

// IsBudgetExceeded checks daily tokens, daily cost and hourly tokens, in that
// order, and reports the first ceiling reached.
func (m *Meter) IsBudgetExceeded(ctx context.Context) (bool, string) {
	daily := m.DailyUsage(ctx)
	if m.budget.DailyTokens > 0 && daily.Tokens >= m.budget.DailyTokens {
		return true, fmt.Sprintf("Daily token budget exceeded: %d/%d", daily.Tokens, m.budget.DailyTokens)
	}
	if m.budget.DailyCostUSD > 0 && daily.CostUSD >= m.budget.DailyCostUSD {
		return true, fmt.Sprintf("Daily cost budget exceeded: $%.2f/$%.2f", daily.CostUSD, m.budget.DailyCostUSD)
	}

	hourly := m.HourlyUsage(ctx)
	if m.budget.HourlyTokens > 0 && hourly.Tokens >= m.budget.HourlyTokens {
		return true, fmt.Sprintf("Hourly token budget exceeded: %d/%d", hourly.Tokens, m.budget.HourlyTokens)
	}

	return false, ""
}

type threshold struct {
	alertType string
	severity  resilience.AlertSeverity
	reached   bool
	message   string
}

func (m *Meter) checkThresholds(ctx context.Context, daily, hourly UsageRecord) {
	var checks []threshold

	if limit := m.budget.DailyTokens; limit > 0 {
		checks = append(checks,
			threshold{AlertDailyTokens90, resilience.SeverityWarning, float64(daily.Tokens) >= float64(limit)*0.9,
				fmt.Sprintf("Daily token budget 90%% reached: %d/%d", daily.Tokens, limit)},
			threshold{AlertDailyTokens100, resilience.SeverityCritical, daily.Tokens >= limit,
				fmt.Sprintf("Daily token budget exceeded: %d/%d", daily.Tokens, limit)},
		)
	}
	if limit := m.budget.HourlyTokens; limit > 0 {
		checks = append(checks,
			threshold{AlertHourlyTokens90, resilience.SeverityWarning, float64(hourly.Tokens) >= float64(limit)*0.9,
				fmt.Sprintf("Hourly token budget 90%% reached: %d/%d", hourly.Tokens, limit)},
			threshold{AlertHourlyTokens100, resilience.SeverityCritical, hourly.Tokens >= limit,
				fmt.Sprintf("Hourly token budget exceeded: %d/%d", hourly.Tokens, limit)},
		)
	}
	if limit := m.budget.DailyCostUSD; limit > 0 {
		checks = append(checks,
			threshold{AlertDailyCost90, resilience.SeverityWarning, daily.CostUSD >= limit*0.9,
				fmt.Sprintf("Daily cost budget 90%% reached: $%.2f/$%.2f", daily.CostUSD, limit)},
			threshold{AlertDailyCost100, resilience.SeverityCritical, daily.CostUSD >= limit,
				fmt.Sprintf("Daily cost budget exceeded: $%.2f/$%.2f", daily.CostUSD, limit)},
		)
	}

	reached := checks[:0]
	for _, check := range checks {
		if check.reached {
			reached = append(reached, check)
		}
	}
	if len(reached) == 0 {
		return
	}

	select {
	case m.pending <- struct{}{}:
	default:
		m.logger.Warn("Budget alert delivery backlog full, dropping alerts", "alerts", len(reached))
		for _, check := range reached {
			m.metrics.RecordBudgetAlert(check.alertType, "dropped")
		}
		return
	}

	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer func() { <-m.pending }()
		for _, check := range reached {
			m.sendAlert(ctx, check)
		}
	}()
}

// Wait blocks until every background alert delivery has finished
func (m *Meter) Wait() {
	m.inflight.Wait()
}

func (m *Meter) sendAlert(ctx context.Context, check threshold) {
	if m.alerts == nil {
		m.logger.Warn("Budget alert (no alert manager)", "type", check.alertType, "message", check.message)
		m.metrics.RecordBudgetAlert(check.alertType, "logged")
		return
	}

	err := m.alerts.SendAlert(ctx, resilience.Alert{
		Type:        check.alertType,
		Severity:    check.severity,
		Title:       "LLM Budget Alert",
		Description: check.message,
		Source:      alertSource,
		Tags:        map[string]string{"alert_type": check.alertType},
	})
	switch {
	case err == nil:
		m.metrics.RecordBudgetAlert(check.alertType, "sent")
	case errors.Is(err, resilience.ErrAlertSuppressed):
		m.metrics.RecordBudgetAlert(check.alertType, "suppressed")
	default:
		m.metrics.RecordBudgetAlert(check.alertType, "failed")
		m.logger.Warn("Failed to deliver budget alert", "type", check.alertType, "error", err)
	}
}

// DailySummary is the daily part of Summary
type DailySummary struct {
	Tokens         int64   `json:"tokens"`
	Budget         int64   `json:"budget"`
	Percentage     float64 `json:"percentage"`
	CostUSD        float64 `json:"cost_usd"`
	CostBudget     float64 `json:"cost_budget"`
	CostPercentage float64 `json:"cost_percentage"`
	Requests       int64   `json:"requests"`
}

// HourlySummary is the hourly part of Summary
type HourlySummary struct {
	Tokens     int64   `json:"tokens"`
	Budget     int64   `json:"budget"`
	Percentage float64 `json:"percentage"`
	Requests   int64   `json:"requests"`
}

// Summary reports current consumption against the ceilings
type Summary struct {
	Daily          DailySummary  `json:"daily"`
	Hourly         HourlySummary `json:"hourly"`
	BudgetExceeded bool          `json:"budget_exceeded"`
}

// GetUsageSummary returns the current hour and day against their ceilings
func (m *Meter) GetUsageSummary(ctx context.Context) Summary {
	daily := m.DailyUsage(ctx)
	hourly := m.HourlyUsage(ctx)

	s := Summary{
		Daily: DailySummary{
			Tokens:         daily.Tokens,
			Budget:         m.budget.DailyTokens,
			Percentage:     percentage(float64(daily.Tokens), float64(m.budget.DailyTokens)),
			CostUSD:        daily.CostUSD,
			CostBudget:     m.budget.DailyCostUSD,
			CostPercentage: percentage(daily.CostUSD, m.budget.DailyCostUSD),
			Requests:       daily.Requests,
		},
		Hourly: HourlySummary{
			Tokens:     hourly.Tokens,
			Budget:     m.budget.HourlyTokens,
			Percentage: percentage(float64(hourly.Tokens), float64(m.budget.HourlyTokens)),
			Requests:   hourly.Requests,
		},
	}
	s.BudgetExceeded = s.Daily.Percentage >= 100 || s.Hourly.Percentage >= 100 || s.Daily.CostPercentage >= 100
	return s
}

func percentage(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit * 100
}
