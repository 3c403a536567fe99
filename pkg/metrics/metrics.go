package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recorder is safe to call on a
// nil *Metrics or on metrics built with Enabled=false.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Quota control metrics
	AdmissionDecisions   *prometheus.CounterVec
	CacheLookups         *prometheus.CounterVec
	SingleflightOutcomes *prometheus.CounterVec
	SingleflightInFlight prometheus.Gauge
	CircuitState         *prometheus.GaugeVec
	CircuitTransitions   *prometheus.CounterVec
	UsageTokens          *prometheus.CounterVec
	UsageCostUSD         prometheus.Counter
	BudgetAlerts         *prometheus.CounterVec
	FallbackSummaries    *prometheus.CounterVec
	ProducerDuration     *prometheus.HistogramVec

	// Backend metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrors            *prometheus.CounterVec
	RedisConnections       *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry defaults to a fresh registry with Go and process collectors
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "nestwatch",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ns, sub := config.Namespace, config.Subsystem
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "admission_decisions_total",
				Help:      "Rate limiter decisions by denying scope",
			},
			[]string{"decision", "scope"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "result_cache_lookups_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),
		SingleflightOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "singleflight_outcomes_total",
				Help:      "How coalesced requests were answered",
			},
			[]string{"outcome"},
		),
		SingleflightInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "singleflight_in_flight",
				Help:      "Number of producers currently running",
			},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		UsageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "llm_tokens_total",
				Help:      "Tokens consumed by the generative call",
			},
			[]string{"kind"},
		),
		UsageCostUSD: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "llm_cost_usd_total",
				Help:      "Cost of the generative call in USD",
			},
		),
		BudgetAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "budget_alerts_total",
				Help:      "Budget alerts by type and delivery outcome",
			},
			[]string{"type", "outcome"},
		),
		FallbackSummaries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "fallback_summaries_total",
				Help:      "Summaries produced without the generative call, by reason",
			},
			[]string{"reason"},
		),
		ProducerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "producer_duration_seconds",
				Help:      "Duration of the generative call",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),

		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "store_operation_duration_seconds",
				Help:      "Key/value store operation duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"operation", "backend"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "store_errors_total",
				Help:      "Key/value store errors",
			},
			[]string{"operation", "backend"},
		),
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "redis_connections",
				Help:      "Redis pool connections by state",
			},
			[]string{"state"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AdmissionDecisions,
		m.CacheLookups,
		m.SingleflightOutcomes,
		m.SingleflightInFlight,
		m.CircuitState,
		m.CircuitTransitions,
		m.UsageTokens,
		m.UsageCostUSD,
		m.BudgetAlerts,
		m.FallbackSummaries,
		m.ProducerDuration,
		m.StoreOperationDuration,
		m.StoreErrors,
		m.RedisConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if !m.enabled() {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordAdmission records a rate limiter decision. scope is empty when allowed.
func (m *Metrics) RecordAdmission(allowed bool, scope string) {
	if !m.enabled() {
		return
	}

	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.AdmissionDecisions.WithLabelValues(decision, scope).Inc()
}

// RecordCacheLookup records a result cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.enabled() {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordSingleflight records how a coalesced request was answered
func (m *Metrics) RecordSingleflight(outcome string) {
	if !m.enabled() {
		return
	}

	m.SingleflightOutcomes.WithLabelValues(outcome).Inc()
}

// SetSingleflightInFlight sets the number of running producers
func (m *Metrics) SetSingleflightInFlight(n int) {
	if !m.enabled() {
		return
	}

	m.SingleflightInFlight.Set(float64(n))
}

// RecordCircuitTransition records a breaker state change. States are the
// breaker's string names (CLOSED, OPEN, HALF_OPEN).
func (m *Metrics) RecordCircuitTransition(name, from, to string) {
	if !m.enabled() {
		return
	}

	m.CircuitTransitions.WithLabelValues(name, from, to).Inc()
	m.CircuitState.WithLabelValues(name).Set(circuitStateValue(to))
}

func circuitStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

// RecordUsage records token consumption and cost
func (m *Metrics) RecordUsage(promptTokens, completionTokens int, costUSD float64) {
	if !m.enabled() {
		return
	}

	m.UsageTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.UsageTokens.WithLabelValues("completion").Add(float64(completionTokens))
	if costUSD > 0 {
		m.UsageCostUSD.Add(costUSD)
	}
}

// RecordBudgetAlert records a budget alert and its delivery outcome
func (m *Metrics) RecordBudgetAlert(alertType, outcome string) {
	if !m.enabled() {
		return
	}

	m.BudgetAlerts.WithLabelValues(alertType, outcome).Inc()
}

// RecordFallback records a summary produced by the fallback summarizer
func (m *Metrics) RecordFallback(reason string) {
	if !m.enabled() {
		return
	}

	m.FallbackSummaries.WithLabelValues(reason).Inc()
}

// RecordProducer records the duration of one generative call
func (m *Metrics) RecordProducer(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}

	m.ProducerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStoreOperation records a store call and, when err is set, an error
func (m *Metrics) RecordStoreOperation(operation, backend string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}

	m.StoreOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(operation, backend).Inc()
	}
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale uint32) {
	if !m.enabled() {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if !m.enabled() {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if !m.enabled() {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled() {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		start := time.Now()
		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsCollector samples gauges that have no push path, such as the Redis
// connection pool, on a fixed interval.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sample   func(m *Metrics)
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, sample func(m *Metrics)) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		sample:   sample,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	if mc.sample == nil || mc.interval <= 0 {
		return
	}

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.sample(mc.metrics)
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.sample(mc.metrics)
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}
