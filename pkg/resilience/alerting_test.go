package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
)

type mockAlertHandler struct {
	mu     sync.Mutex
	name   string
	alerts []Alert
	fail   bool
	errs   []error
}

func (m *mockAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	if m.fail {
		return errors.New("handler failed")
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertHandler) Name() string {
	return m.name
}

func (m *mockAlertHandler) received() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func TestAlertManager_SendAlert(t *testing.T) {
	am := NewAlertManager(AlertManagerConfig{})
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	err := am.SendAlert(context.Background(), Alert{
		Type:        "daily_tokens_90",
		Severity:    SeverityWarning,
		Title:       "Daily token budget 90% reached",
		Description: "Daily token budget 90% reached: 180000/200000",
		Source:      "usage_meter",
	})
	require.NoError(t, err)

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Timestamp.IsZero())
	assert.Equal(t, "daily_tokens_90", alerts[0].Type)
}

func TestAlertManager_CooldownPerType(t *testing.T) {
	clock := newFakeClock()
	am := NewAlertManager(AlertManagerConfig{
		DefaultCooldown: time.Hour,
		Cooldowns:       map[string]time.Duration{"hourly_tokens_90": 10 * time.Minute},
		Now:             clock.Now,
	})
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	ctx := context.Background()
	require.NoError(t, am.SendAlert(ctx, Alert{Type: "daily_tokens_90"}))
	assert.ErrorIs(t, am.SendAlert(ctx, Alert{Type: "daily_tokens_90"}), ErrAlertSuppressed)

	// other types are independent
	require.NoError(t, am.SendAlert(ctx, Alert{Type: "daily_tokens_100"}))
	require.NoError(t, am.SendAlert(ctx, Alert{Type: "hourly_tokens_90"}))

	clock.Advance(10 * time.Minute)
	require.NoError(t, am.SendAlert(ctx, Alert{Type: "hourly_tokens_90"}))
	assert.ErrorIs(t, am.SendAlert(ctx, Alert{Type: "daily_tokens_90"}), ErrAlertSuppressed)

	clock.Advance(50 * time.Minute)
	require.NoError(t, am.SendAlert(ctx, Alert{Type: "daily_tokens_90"}))

	assert.Len(t, handler.received(), 5)
	last, ok := am.LastSent("daily_tokens_90")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last)
}

func TestAlertManager_CooldownStartsEvenWhenDeliveryFails(t *testing.T) {
	am := NewAlertManager(AlertManagerConfig{})
	am.AddHandler(&mockAlertHandler{name: "failing", fail: true})

	err := am.SendAlert(context.Background(), Alert{Type: "daily_cost_100"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all alert handlers failed")

	assert.ErrorIs(t, am.SendAlert(context.Background(), Alert{Type: "daily_cost_100"}), ErrAlertSuppressed)
}

func TestAlertManager_PartialHandlerFailure(t *testing.T) {
	am := NewAlertManager(AlertManagerConfig{})
	failing := &mockAlertHandler{name: "failing", fail: true}
	working := &mockAlertHandler{name: "working"}
	am.AddHandler(failing)
	am.AddHandler(working)

	require.NoError(t, am.SendAlert(context.Background(), Alert{Type: "hourly_tokens_100"}))
	assert.Len(t, working.received(), 1)
}

func TestAlertManager_RetriesDelivery(t *testing.T) {
	retry := fastRetryConfig(3)
	am := NewAlertManager(AlertManagerConfig{Retry: &retry})
	handler := &mockAlertHandler{
		name: "flaky",
		errs: []error{appErrors.NewTimeoutError("slack webhook")},
	}
	am.AddHandler(handler)

	require.NoError(t, am.SendAlert(context.Background(), Alert{Type: "daily_tokens_100"}))
	assert.Len(t, handler.received(), 1)
}

func TestLoggingAlertHandler(t *testing.T) {
	handler := NewLoggingAlertHandler(nil)
	assert.Equal(t, "logging", handler.Name())

	for _, severity := range []AlertSeverity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		err := handler.HandleAlert(context.Background(), Alert{
			ID:       "alert-1",
			Type:     "daily_tokens_90",
			Severity: severity,
			Title:    "Budget alert",
			Tags:     map[string]string{"dimension": "daily_tokens"},
			Metadata: map[string]interface{}{"used": 180000},
		})
		assert.NoError(t, err)
	}
}

func TestBackendHealthMonitor_Check(t *testing.T) {
	am := NewAlertManager(AlertManagerConfig{})
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	dm := NewDegradationManager(1)
	dm.RegisterService("redis", LevelPartial)
	dm.RegisterService("analyzer", LevelNormal)
	dm.RegisterService("slack", LevelNormal)
	dm.RegisterService("metrics", LevelNormal)

	monitor := NewBackendHealthMonitor(am, dm, time.Minute)

	monitor.Check(context.Background())
	assert.Empty(t, handler.received())

	dm.UpdateServiceHealth("redis", false, 0, "connection refused")
	monitor.Check(context.Background())

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "PARTIAL", alerts[0].Tags["current_level"])
	assert.Equal(t, []string{"redis"}, alerts[0].Metadata["unhealthy_backends"])

	monitor.Check(context.Background())
	assert.Len(t, handler.received(), 1)
}

func TestBackendHealthMonitor_StartStop(t *testing.T) {
	am := NewAlertManager(AlertManagerConfig{})
	monitor := NewBackendHealthMonitor(am, NewDegradationManager(1), 10*time.Millisecond)

	monitor.Start(context.Background())
	monitor.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	monitor.Stop()
	monitor.Stop()
}

func TestAlertSeverity_String(t *testing.T) {
	assert.Equal(t, "INFO", SeverityInfo.String())
	assert.Equal(t, "WARNING", SeverityWarning.String())
	assert.Equal(t, "ERROR", SeverityError.String())
	assert.Equal(t, "CRITICAL", SeverityCritical.String())
	assert.Equal(t, "UNKNOWN", AlertSeverity(42).String())
}
