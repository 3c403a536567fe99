package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(&Config{
		Namespace: "test",
		Enabled:   true,
		Registry:  prometheus.NewRegistry(),
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(false, "global")
		m.RecordCacheLookup(true)
		m.RecordCircuitTransition("llm", "CLOSED", "OPEN")
		m.RecordUsage(10, 5, 0.01)
		m.RecordFallback("budget_exceeded")
		m.RecordStoreOperation("get", "redis", time.Millisecond, errors.New("down"))
	})

	disabled := NewMetrics(&Config{Enabled: false})
	assert.NotPanics(t, func() {
		disabled.RecordBudgetAlert("daily_tokens_90", "sent")
		disabled.SetSingleflightInFlight(3)
	})
}

func TestRecorders(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordAdmission(true, "")
	m.RecordAdmission(false, "client")
	m.RecordAdmission(false, "client")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("denied", "client")))

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))

	m.RecordCircuitTransition("llm", "CLOSED", "OPEN")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("llm")))
	m.RecordCircuitTransition("llm", "OPEN", "HALF_OPEN")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("llm")))
	m.RecordCircuitTransition("llm", "HALF_OPEN", "CLOSED")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("llm")))

	m.RecordUsage(100, 50, 0.25)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.UsageTokens.WithLabelValues("prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.UsageTokens.WithLabelValues("completion")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.UsageCostUSD), 1e-9)

	m.RecordStoreOperation("incr", "redis", time.Millisecond, errors.New("down"))
	m.RecordStoreOperation("incr", "redis", time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("incr", "redis")))

	m.SetSingleflightInFlight(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SingleflightInFlight))
}

func TestPrometheusMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

func TestMetricsCollector(t *testing.T) {
	m := newTestMetrics(t)
	sampled := make(chan struct{}, 10)

	collector := NewMetricsCollector(m, 5*time.Millisecond, func(m *Metrics) {
		m.UpdateRedisConnections(4, 2, 0)
		select {
		case sampled <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	<-sampled
	cancel()
	<-done

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RedisConnections.WithLabelValues("total")))
}
