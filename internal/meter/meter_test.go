package meter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

type recordingHandler struct {
	mu     sync.Mutex
	alerts []resilience.Alert
	err    error
}

func (h *recordingHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return h.err
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.alerts))
	for _, a := range h.alerts {
		out = append(out, a.Type)
	}
	return out
}

type meterFixture struct {
	meter   *Meter
	handler *recordingHandler
	metrics *metrics.Metrics
	now     time.Time
}

func newMeterFixture(t *testing.T, budget Budget) *meterFixture {
	t.Helper()
	f := &meterFixture{
		handler: &recordingHandler{},
		metrics: metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()}),
		now:     time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	st, err := store.NewMemoryStore(100, store.WithClock(clock))
	require.NoError(t, err)

	am := resilience.NewAlertManager(resilience.AlertManagerConfig{DefaultCooldown: time.Hour, Now: clock})
	am.AddHandler(f.handler)

	f.meter = New(st, Config{Budget: budget, Alerts: am, Metrics: f.metrics, Now: clock})
	return f
}

func TestKeys(t *testing.T) {
	ts := time.Date(2024, 3, 1, 23, 5, 0, 0, time.FixedZone("PST", -8*3600))
	assert.Equal(t, "llm:usage:20240302", DailyKey(ts))
	assert.Equal(t, "llm:usage:hourly:2024030207", HourlyKey(ts))
}

func TestMeter_FullDailyBudgetIsExceeded(t *testing.T) {
	f := newMeterFixture(t, Budget{DailyTokens: 1000, HourlyTokens: 100000})
	ctx := context.Background()

	exceeded, reason := f.meter.IsBudgetExceeded(ctx)
	assert.False(t, exceeded)
	assert.Empty(t, reason)

	require.NoError(t, f.meter.RecordUsage(ctx, 600, 400, 0))
	f.meter.Wait()

	exceeded, reason = f.meter.IsBudgetExceeded(ctx)
	assert.True(t, exceeded)
	assert.Equal(t, "Daily token budget exceeded: 1000/1000", reason)
	assert.True(t, f.meter.GetUsageSummary(ctx).BudgetExceeded)
}

func TestMeter_HalfBudgetSummary(t *testing.T) {
	f := newMeterFixture(t, Budget{DailyTokens: 200000, HourlyTokens: 40000, DailyCostUSD: 10})
	ctx := context.Background()

	require.NoError(t, f.meter.RecordUsage(ctx, 15000, 5000, 2.5))
	f.meter.Wait()

	summary := f.meter.GetUsageSummary(ctx)
	assert.Equal(t, int64(20000), summary.Daily.Tokens)
	assert.InDelta(t, 10.0, summary.Daily.Percentage, 1e-9)
	assert.InDelta(t, 25.0, summary.Daily.CostPercentage, 1e-9)
	assert.Equal(t, int64(1), summary.Daily.Requests)
	assert.InDelta(t, 50.0, summary.Hourly.Percentage, 1e-9)
	assert.Equal(t, int64(40000), summary.Hourly.Budget)
	assert.False(t, summary.BudgetExceeded)
	assert.Empty(t, f.handler.types())

	assert.Equal(t, 15000.0, testutil.ToFloat64(f.metrics.UsageTokens.WithLabelValues("prompt")))
}

func TestMeter_ChecksDimensionsInOrder(t *testing.T) {
	ctx := context.Background()

	f := newMeterFixture(t, Budget{DailyTokens: 1000, HourlyTokens: 100, DailyCostUSD: 1})
	require.NoError(t, f.meter.RecordUsage(ctx, 50, 50, 1.5))
	f.meter.Wait()
	_, reason := f.meter.IsBudgetExceeded(ctx)
	assert.Equal(t, "Daily cost budget exceeded: $1.50/$1.00", reason)

	f = newMeterFixture(t, Budget{DailyTokens: 1000, HourlyTokens: 100})
	require.NoError(t, f.meter.RecordUsage(ctx, 100, 20, 0))
	f.meter.Wait()
	_, reason = f.meter.IsBudgetExceeded(ctx)
	assert.Equal(t, "Hourly token budget exceeded: 120/100", reason)
}

func TestMeter_HourlyWindowRolls(t *testing.T) {
	f := newMeterFixture(t, Budget{DailyTokens: 1000, HourlyTokens: 100})
	ctx := context.Background()

	require.NoError(t, f.meter.RecordUsage(ctx, 100, 0, 0))
	f.meter.Wait()
	exceeded, _ := f.meter.IsBudgetExceeded(ctx)
	assert.True(t, exceeded)

	f.now = f.now.Add(time.Hour)
	exceeded, _ = f.meter.IsBudgetExceeded(ctx)
	assert.False(t, exceeded)
	assert.Equal(t, int64(100), f.meter.DailyUsage(ctx).Tokens)
	assert.Equal(t, int64(0), f.meter.HourlyUsage(ctx).Tokens)
}

func TestMeter_DisabledDimensions(t *testing.T) {
	f := newMeterFixture(t, Budget{})
	ctx := context.Background()

	require.NoError(t, f.meter.RecordUsage(ctx, 1_000_000, 0, 500))
	f.meter.Wait()
	exceeded, _ := f.meter.IsBudgetExceeded(ctx)
	assert.False(t, exceeded)

	summary := f.meter.GetUsageSummary(ctx)
	assert.Zero(t, summary.Daily.Percentage)
	assert.Zero(t, summary.Daily.CostPercentage)
	assert.False(t, summary.BudgetExceeded)
	assert.Empty(t, f.handler.types())
}

func TestMeter_AlertsAreDeduplicated(t *testing.T) {
	f := newMeterFixture(t, Budget{DailyTokens: 1000, HourlyTokens: 100000})
	ctx := context.Background()

	require.NoError(t, f.meter.RecordUsage(ctx, 900, 0, 0))
	f.meter.Wait()
	assert.Equal(t, []string{AlertDailyTokens90}, f.handler.types())

	require.NoError(t, f.meter.RecordUsage(ctx, 50, 0, 0))
	f.meter.Wait()
	assert.Equal(t, []string{AlertDailyTokens90}, f.handler.types())

	require.NoError(t, f.meter.RecordUsage(ctx, 50, 0, 0))
	f.meter.Wait()
	assert.Equal(t, []string{AlertDailyTokens90, AlertDailyTokens100}, f.handler.types())

	f.now = f.now.Add(61 * time.Minute)
	require.NoError(t, f.meter.RecordUsage(ctx, 1, 0, 0))
	f.meter.Wait()
	assert.Equal(t, []string{AlertDailyTokens90, AlertDailyTokens100, AlertDailyTokens90, AlertDailyTokens100}, f.handler.types())

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BudgetAlerts.WithLabelValues(AlertDailyTokens90, "suppressed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BudgetAlerts.WithLabelValues(AlertDailyTokens100, "sent")))
}

func TestMeter_AlertFailureDoesNotFailRecording(t *testing.T) {
	f := newMeterFixture(t, Budget{DailyTokens: 10, HourlyTokens: 10})
	f.handler.err = errors.New("webhook returned 500")

	require.NoError(t, f.meter.RecordUsage(context.Background(), 10, 0, 0))
	f.meter.Wait()
	assert.Len(t, f.handler.types(), 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BudgetAlerts.WithLabelValues(AlertHourlyTokens100, "failed")))
}

func TestMeter_NoAlertManagerLogsOnly(t *testing.T) {
	st, err := store.NewMemoryStore(10)
	require.NoError(t, err)
	m := New(st, Config{Budget: Budget{DailyTokens: 1, HourlyTokens: 1}})

	require.NoError(t, m.RecordUsage(context.Background(), 5, 5, 0))
	m.Wait()
	exceeded, _ := m.IsBudgetExceeded(context.Background())
	assert.True(t, exceeded)
	assert.Equal(t, Budget{DailyTokens: 1, HourlyTokens: 1}, m.Budget())
}

type slowHandler struct {
	recordingHandler
	delay time.Duration
}

func (h *slowHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	time.Sleep(h.delay)
	return h.recordingHandler.HandleAlert(ctx, alert)
}

func TestMeter_AlertDeliveryDoesNotDelayRecording(t *testing.T) {
	st, err := store.NewMemoryStore(10)
	require.NoError(t, err)
	handler := &slowHandler{delay: 300 * time.Millisecond}
	am := resilience.NewAlertManager(resilience.AlertManagerConfig{DefaultCooldown: time.Hour})
	am.AddHandler(handler)
	m := New(st, Config{Budget: Budget{DailyTokens: 100, HourlyTokens: 100}, Alerts: am})

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	require.NoError(t, m.RecordUsage(ctx, 100, 0, 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	cancel()

	m.Wait()
	assert.ElementsMatch(t,
		[]string{AlertDailyTokens90, AlertDailyTokens100, AlertHourlyTokens90, AlertHourlyTokens100},
		handler.types())
}

func TestMeter_AlertBacklogDropsExcess(t *testing.T) {
	st, err := store.NewMemoryStore(10)
	require.NoError(t, err)
	release := make(chan struct{})
	handler := &blockingHandler{release: release}
	// every send lands outside the cooldown so each batch blocks in the handler
	var tick atomic.Int64
	am := resilience.NewAlertManager(resilience.AlertManagerConfig{
		DefaultCooldown: time.Second,
		Now:             func() time.Time { return time.Unix(0, 0).Add(time.Duration(tick.Add(1)) * time.Minute) },
	})
	am.AddHandler(handler)
	reg := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})
	m := New(st, Config{Budget: Budget{DailyTokens: 1}, Alerts: am, Metrics: reg})

	for i := 0; i < maxPendingDeliveries+1; i++ {
		require.NoError(t, m.RecordUsage(context.Background(), 1, 0, 0))
	}
	close(release)
	m.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BudgetAlerts.WithLabelValues(AlertDailyTokens90, "dropped")))
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	<-h.release
	return nil
}

func (h *blockingHandler) Name() string { return "blocking" }
