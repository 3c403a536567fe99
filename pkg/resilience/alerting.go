package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ErrAlertSuppressed is returned when an alert of the same type was sent
// within its cooldown.
var ErrAlertSuppressed = errors.New("alert suppressed by cooldown")

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// dedupKey identifies alerts that share a cooldown
func (a Alert) dedupKey() string {
	if a.Type != "" {
		return a.Type
	}
	return a.Source
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManagerConfig configures alert deduplication and delivery
type AlertManagerConfig struct {
	// DefaultCooldown applies to alert types without an entry in Cooldowns
	DefaultCooldown time.Duration
	Cooldowns       map[string]time.Duration
	// Retry, when set, retries failed handler deliveries
	Retry  *RetryConfig
	Logger *logging.Logger
	Now    func() time.Time
}

// AlertManager deduplicates alerts per type and routes them to handlers.
// Delivery is best effort: handler failures are logged and reported to the
// caller but never block other handlers.
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger
	retrier  *Retrier
	now      func() time.Time

	defaultCooldown time.Duration
	cooldowns       map[string]time.Duration
	lastSent        map[string]time.Time
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config AlertManagerConfig) *AlertManager {
	am := &AlertManager{
		handlers:        make([]AlertHandler, 0),
		logger:          logging.OrGlobal(config.Logger),
		now:             config.Now,
		defaultCooldown: config.DefaultCooldown,
		cooldowns:       make(map[string]time.Duration, len(config.Cooldowns)),
		lastSent:        make(map[string]time.Time),
	}
	if am.defaultCooldown <= 0 {
		am.defaultCooldown = time.Hour
	}
	if am.now == nil {
		am.now = time.Now
	}
	for alertType, cooldown := range config.Cooldowns {
		am.cooldowns[alertType] = cooldown
	}
	if config.Retry != nil {
		am.retrier = NewRetrier(*config.Retry)
	}
	return am
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers unless an alert of the
// same type was sent within its cooldown, in which case ErrAlertSuppressed is
// returned. The cooldown starts when the alert is accepted, whatever the
// delivery outcome.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	now := am.now()
	key := alert.dedupKey()

	am.mutex.Lock()
	if last, ok := am.lastSent[key]; ok && now.Sub(last) < am.cooldownFor(key) {
		am.mutex.Unlock()
		am.logger.Debug("Alert suppressed by cooldown",
			"type", key,
			"title", alert.Title,
		)
		return ErrAlertSuppressed
	}
	am.lastSent[key] = now
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.Unlock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"type", key,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := am.deliver(ctx, handler, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// LastSent returns when an alert of the given type was last accepted
func (am *AlertManager) LastSent(alertType string) (time.Time, bool) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	t, ok := am.lastSent[alertType]
	return t, ok
}

func (am *AlertManager) deliver(ctx context.Context, handler AlertHandler, alert Alert) error {
	if am.retrier == nil {
		return handler.HandleAlert(ctx, alert)
	}
	return am.retrier.Execute(ctx, func(ctx context.Context) error {
		return handler.HandleAlert(ctx, alert)
	})
}

func (am *AlertManager) cooldownFor(key string) time.Duration {
	if cooldown, ok := am.cooldowns[key]; ok {
		return cooldown
	}
	return am.defaultCooldown
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.OrGlobal(logger),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"alert_type", alert.Type,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// BackendHealthMonitor watches the degradation level of the shared backends
// and alerts when it changes.
type BackendHealthMonitor struct {
	alertManager       *AlertManager
	degradationManager *DegradationManager
	logger             *logging.Logger

	checkInterval        time.Duration
	lastDegradationLevel DegradationLevel
	stopChan             chan struct{}
	doneChan             chan struct{}
	running              bool
	mutex                sync.Mutex
}

// NewBackendHealthMonitor creates a new backend health monitor
func NewBackendHealthMonitor(alertManager *AlertManager, degradationManager *DegradationManager, checkInterval time.Duration) *BackendHealthMonitor {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &BackendHealthMonitor{
		alertManager:         alertManager,
		degradationManager:   degradationManager,
		logger:               logging.GetLogger(),
		checkInterval:        checkInterval,
		lastDegradationLevel: LevelNormal,
	}
}

// Start starts the health monitoring loop
func (m *BackendHealthMonitor) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	go m.monitorLoop(ctx, m.stopChan, m.doneChan)
	m.logger.Info("Backend health monitor started")
}

// Stop stops the health monitoring loop and waits for it to exit
func (m *BackendHealthMonitor) Stop() {
	m.mutex.Lock()
	if !m.running {
		m.mutex.Unlock()
		return
	}
	close(m.stopChan)
	done := m.doneChan
	m.running = false
	m.mutex.Unlock()

	<-done
	m.logger.Info("Backend health monitor stopped")
}

func (m *BackendHealthMonitor) monitorLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check compares the current degradation level with the last one seen and
// alerts on a change.
func (m *BackendHealthMonitor) Check(ctx context.Context) {
	currentLevel := m.degradationManager.GetCurrentDegradationLevel()
	if currentLevel == m.lastDegradationLevel {
		return
	}

	from := m.lastDegradationLevel
	m.lastDegradationLevel = currentLevel

	var severity AlertSeverity
	switch currentLevel {
	case LevelNormal:
		severity = SeverityInfo
	case LevelPartial:
		severity = SeverityWarning
	case LevelSevere:
		severity = SeverityError
	case LevelCritical:
		severity = SeverityCritical
	}

	alert := Alert{
		Type:        "backend_degradation_" + currentLevel.String(),
		Severity:    severity,
		Title:       "Backend degradation level changed",
		Description: fmt.Sprintf("Backend degradation level changed from %s to %s", from.String(), currentLevel.String()),
		Source:      "backend_health_monitor",
		Tags: map[string]string{
			"previous_level": from.String(),
			"current_level":  currentLevel.String(),
		},
		Metadata: map[string]interface{}{
			"unhealthy_backends": m.degradationManager.GetUnhealthyServices(),
		},
	}

	if err := m.alertManager.SendAlert(ctx, alert); err != nil && !errors.Is(err, ErrAlertSuppressed) {
		m.logger.Error("Failed to send degradation alert", "error", err)
	}
}
