package summary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/analyzer"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/cache"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/fallback"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/meter"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/ratelimit"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAnalyzer answers with result, or with the next queued error
type fakeAnalyzer struct {
	calls  atomic.Int32
	mu     sync.Mutex
	errs   []error
	block  chan struct{}
	result analyzer.Result
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (analyzer.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return analyzer.Result{}, err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

type fixture struct {
	svc      *Service
	analyzer *fakeAnalyzer
	circuit  *resilience.CircuitBreaker
	meter    *meter.Meter
	metrics  *metrics.Metrics
	clock    *testClock
}

func newFixture(t *testing.T, budget meter.Budget) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: prometheus.NewRegistry()})

	st, err := store.NewMemoryStore(100, store.WithClock(clock.Now))
	require.NoError(t, err)

	circuit := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:     "llm",
		Cooldown: 30 * time.Minute,
		Now:      clock.Now,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.RecordCircuitTransition(name, from.String(), to.String())
		},
	})
	um := meter.New(st, meter.Config{Budget: budget, Metrics: m, Now: clock.Now})
	fa := &fakeAnalyzer{result: analyzer.Result{
		Analysis: types.Analysis{Totals: 3, Recommendations: []string{"page the database on-call"}},
		Usage:    types.Usage{PromptTokens: 300, CompletionTokens: 200, CostUSD: 0.01},
	}}

	svc, err := NewService(Dependencies{
		Limiter:  ratelimit.New(ratelimit.Config{RPS: 0.5, Burst: 2, Now: clock.Now}),
		Cache:    cache.NewService(st, &cache.Config{TTL: 300 * time.Second, Metrics: m}),
		Circuit:  circuit,
		Meter:    um,
		Analyzer: fa,
		Store:    st,
	}, Config{Metrics: m, Now: clock.Now})
	require.NoError(t, err)

	return &fixture{svc: svc, analyzer: fa, circuit: circuit, meter: um, metrics: m, clock: clock}
}

func urgentEvents() []types.Event {
	return []types.Event{
		{ID: "A", Source: "datadog", Priority: "P1", Status: "open", Summary: "Critical db outage"},
		{ID: "B", Source: "jira", Priority: "P2", Status: "open", Summary: "High memory"},
		{ID: "C", Source: "jams", Priority: "P3", Status: "resolved", Summary: "routine job retry"},
	}
}

func otherUrgentEvents() []types.Event {
	return []types.Event{{ID: "Z", Source: "datadog", Priority: "P1", Status: "open", Summary: "checkout 5xx"}}
}

func TestGetEnhancedSummary_AnalyzerSuccessIsCachedAndMetered(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()

	first, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, GeneratedByAnalyzer, first.Metadata.GeneratedBy)
	assert.Equal(t, DefaultCardVersion, first.Metadata.CardVersion)
	assert.NotEmpty(t, first.Metadata.ContextHash)
	assert.False(t, first.Metadata.QuotaDegraded)

	second, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.analyzer.calls.Load())

	assert.Equal(t, int64(500), f.meter.DailyUsage(ctx).Tokens)
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.ProducerDuration))
}

func TestGetEnhancedSummary_BudgetExceededUsesFallback(t *testing.T) {
	f := newFixture(t, meter.Budget{DailyTokens: 1000, HourlyTokens: 1000})
	ctx := context.Background()
	require.NoError(t, f.svc.RecordLLMUsage(ctx, 800, 200, 0))

	got, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, fallback.GeneratedBy, got.Metadata.GeneratedBy)
	assert.Equal(t, ReasonBudgetExceeded, got.Metadata.DegradedReason)
	assert.True(t, got.Metadata.QuotaDegraded)
	assert.Zero(t, f.analyzer.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FallbackSummaries.WithLabelValues(ReasonBudgetExceeded)))
}

func TestGetEnhancedSummary_PolicySkipIsCached(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()
	events := []types.Event{
		{ID: "1", Source: "jams", Priority: "P3", Summary: "nightly batch"},
		{ID: "2", Source: "jira", Priority: "P2", Summary: "disk at 70%"},
	}

	first, err := f.svc.GetEnhancedSummary(ctx, events, "json")
	require.NoError(t, err)
	assert.Equal(t, ReasonPolicySkip, first.Metadata.DegradedReason)

	f.clock.Advance(time.Minute)
	second, err := f.svc.GetEnhancedSummary(ctx, events, "json")
	require.NoError(t, err)
	assert.Equal(t, first.Metadata.Timestamp, second.Metadata.Timestamp)
	assert.Zero(t, f.analyzer.calls.Load())
}

func TestGetEnhancedSummary_QuotaOpensCircuit(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()
	f.analyzer.failNext(errors.New(`error code: 429 - {"error": {"code": "insufficient_quota"}}`))

	got, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, ReasonQuotaExhausted, got.Metadata.DegradedReason)
	assert.True(t, f.circuit.IsOpen())
	assert.Equal(t, 1, f.circuit.FailureCount())

	// a new event set fails fast without calling the analyzer
	got, err = f.svc.GetEnhancedSummary(ctx, otherUrgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, ReasonCircuitOpen, got.Metadata.DegradedReason)
	assert.Equal(t, int32(1), f.analyzer.calls.Load())

	// after the cooldown a trial call closes the circuit
	f.clock.Advance(31 * time.Minute)
	got, err = f.svc.GetEnhancedSummary(ctx, otherUrgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, GeneratedByAnalyzer, got.Metadata.GeneratedBy)
	assert.Equal(t, resilience.StateClosed, f.circuit.State())
	assert.Equal(t, 0, f.circuit.FailureCount())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CircuitTransitions.WithLabelValues("llm", "CLOSED", "OPEN")))
}

func TestGetEnhancedSummary_CircuitOpenPrefersCache(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()

	cached, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)

	f.analyzer.failNext(appErrors.NewQuotaExhaustedError("analyzer", "quota exceeded"))
	_, err = f.svc.GetEnhancedSummary(ctx, otherUrgentEvents(), "json")
	require.NoError(t, err)
	require.True(t, f.circuit.IsOpen())

	got, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, cached, got)
}

func TestGetEnhancedSummary_ProducerFailureIsNotCached(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()
	f.analyzer.failNext(errors.New("connection reset by peer"))

	got, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, ReasonProducerFailure, got.Metadata.DegradedReason)
	assert.Equal(t, resilience.StateClosed, f.circuit.State())
	assert.Equal(t, 0, f.circuit.FailureCount())

	got, err = f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, GeneratedByAnalyzer, got.Metadata.GeneratedBy)
	assert.Equal(t, int32(2), f.analyzer.calls.Load())
}

func TestGetEnhancedSummary_ConcurrentCallersShareOneCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, meter.DefaultBudget())
	f.analyzer.block = make(chan struct{})

	results := make([]types.Analysis, 5)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			var err error
			results[i], err = f.svc.GetEnhancedSummary(context.Background(), urgentEvents(), "json")
			return err
		})
	}

	require.Eventually(t, func() bool { return f.analyzer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.analyzer.block)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), f.analyzer.calls.Load())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestGetEnhancedSummary_ScenarioFallback(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	f.svc.analyzer = analyzer.Unavailable{}

	got, err := f.svc.GetEnhancedSummary(context.Background(), urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, ReasonProducerFailure, got.Metadata.DegradedReason)
	require.NotEmpty(t, got.Recommendations)
	assert.Contains(t, got.Recommendations[0], "P1")
	require.Len(t, got.Actions, 1)
	assert.True(t, got.Actions[0].DryRun)
}

func TestCheckAdmission(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())

	require.NoError(t, f.svc.CheckAdmission(""))
	require.NoError(t, f.svc.CheckAdmission(""))

	err := f.svc.CheckAdmission("")
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeAdmissionDenied))
	assert.InDelta(t, 2.0, appErrors.RetryAfter(err).Seconds(), 0.01)
}

func TestRecordLLMUsage_RejectsNegative(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	err := f.svc.RecordLLMUsage(context.Background(), -1, 0, 0)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}

func TestGetUsageStatusAndReset(t *testing.T) {
	f := newFixture(t, meter.Budget{DailyTokens: 1000, HourlyTokens: 1000})
	ctx := context.Background()
	require.NoError(t, f.svc.RecordLLMUsage(ctx, 250, 250, 0))

	f.analyzer.failNext(appErrors.NewQuotaExhaustedError("analyzer", "quota exceeded"))
	_, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)

	status := f.svc.GetUsageStatus(ctx)
	assert.InDelta(t, 50.0, status.Usage.Daily.Percentage, 1e-9)
	assert.Equal(t, "OPEN", status.CircuitBreaker.State)
	assert.InDelta(t, 1800.0, status.CircuitBreaker.TimeUntilReset, 1e-6)
	assert.Equal(t, 2, status.RateLimit.GlobalCapacity)
	assert.Equal(t, StoreStatus{Backend: "memory", Healthy: true}, status.Store)
	assert.Equal(t, resilience.LevelNormal.String(), status.Degradation.Level)
	assert.Empty(t, status.InFlight)

	assert.Equal(t, 1, f.svc.ResetCircuit(ctx))
	assert.False(t, f.circuit.IsOpen())
	assert.Equal(t, "CLOSED", f.svc.GetUsageStatus(ctx).CircuitBreaker.State)
}

func TestResetCircuit_InvalidatesDegradedSummaries(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()

	healthy, err := f.svc.GetEnhancedSummary(ctx, otherUrgentEvents(), "json")
	require.NoError(t, err)
	require.Equal(t, GeneratedByAnalyzer, healthy.Metadata.GeneratedBy)

	f.analyzer.failNext(appErrors.NewQuotaExhaustedError("analyzer", "quota exceeded"))
	degraded, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	require.Equal(t, ReasonQuotaExhausted, degraded.Metadata.DegradedReason)

	assert.Equal(t, 1, f.svc.ResetCircuit(ctx))
	assert.Zero(t, f.svc.ResetCircuit(ctx))

	got, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, GeneratedByAnalyzer, got.Metadata.GeneratedBy)
	assert.Empty(t, got.Metadata.DegradedReason)

	// the analyzer result cached before the outage survives the reset
	again, err := f.svc.GetEnhancedSummary(ctx, otherUrgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, healthy, again)
	assert.Equal(t, int32(3), f.analyzer.calls.Load())
}

// cancellableAnalyzer blocks until release is closed or ctx is done
type cancellableAnalyzer struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	result  analyzer.Result
}

func (a *cancellableAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (analyzer.Result, error) {
	if a.calls.Add(1) == 1 {
		close(a.started)
	}
	select {
	case <-a.release:
		return a.result, nil
	case <-ctx.Done():
		return analyzer.Result{}, ctx.Err()
	}
}

func TestGetEnhancedSummary_CancelledOwnerStillServesWaiter(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, meter.DefaultBudget())
	ca := &cancellableAnalyzer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  f.analyzer.result,
	}
	f.svc.analyzer = ca

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	var ownerErr, waiterErr error
	var waiter types.Analysis
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ownerErr = f.svc.GetEnhancedSummary(ownerCtx, urgentEvents(), "json")
	}()
	<-ca.started
	go func() {
		defer wg.Done()
		waiter, waiterErr = f.svc.GetEnhancedSummary(context.Background(), urgentEvents(), "json")
	}()

	time.Sleep(20 * time.Millisecond)
	cancelOwner()
	time.Sleep(20 * time.Millisecond)
	close(ca.release)
	wg.Wait()

	require.NoError(t, ownerErr)
	require.NoError(t, waiterErr)
	assert.Equal(t, GeneratedByAnalyzer, waiter.Metadata.GeneratedBy)
	assert.Equal(t, int32(1), ca.calls.Load())
	assert.Equal(t, int64(500), f.meter.DailyUsage(context.Background()).Tokens)
}

type slowAlertHandler struct {
	delay time.Duration
	sent  atomic.Int32
}

func (h *slowAlertHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	time.Sleep(h.delay)
	h.sent.Add(1)
	return nil
}

func (h *slowAlertHandler) Name() string { return "slow" }

func TestGetEnhancedSummary_SlowBudgetAlertsDoNotHoldTheKey(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	handler := &slowAlertHandler{delay: 300 * time.Millisecond}
	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{DefaultCooldown: time.Hour})
	alerts.AddHandler(handler)

	// 500 tokens per call crosses 90% of this budget
	um := meter.New(f.svc.store, meter.Config{
		Budget: meter.Budget{DailyTokens: 550, HourlyTokens: 100000},
		Alerts: alerts,
		Now:    f.clock.Now,
	})
	f.svc.meter = um
	f.svc.coordinator = cache.NewCoordinator(f.svc.cache, cache.CoordinatorConfig{MaxWait: 100 * time.Millisecond})
	f.analyzer.block = make(chan struct{})

	results := make([]types.Analysis, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			var err error
			results[i], err = f.svc.GetEnhancedSummary(context.Background(), urgentEvents(), "json")
			return err
		})
	}

	require.Eventually(t, func() bool { return f.analyzer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.analyzer.block)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), f.analyzer.calls.Load())
	assert.Equal(t, results[0], results[1])

	um.Wait()
	assert.Equal(t, int32(1), handler.sent.Load())
}

func TestClearCache(t *testing.T) {
	f := newFixture(t, meter.DefaultBudget())
	ctx := context.Background()

	_, err := f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)

	n, err := f.svc.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.GetEnhancedSummary(ctx, urgentEvents(), "json")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.analyzer.calls.Load())
}

func TestShouldSkipAnalyzer(t *testing.T) {
	event := func(p types.Priority) types.Event { return types.Event{Priority: p} }

	tests := []struct {
		name   string
		events []types.Event
		want   bool
	}{
		{name: "empty", events: nil, want: true},
		{name: "all P3", events: []types.Event{event("P3"), event("P3")}, want: true},
		{name: "two P2", events: []types.Event{event("P2"), event("P2"), event("P3")}, want: true},
		{name: "three P2", events: []types.Event{event("P2"), event("P2"), event("P2")}, want: false},
		{name: "one P1", events: []types.Event{event("P1")}, want: false},
		{name: "lowercase p1", events: []types.Event{event("p1")}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSkipAnalyzer(tt.events), fmt.Sprint(tt.events))
		})
	}
}

func TestNewService_RequiresComponents(t *testing.T) {
	_, err := NewService(Dependencies{}, Config{})
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}
