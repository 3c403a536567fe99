package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/config"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/health"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/tracing"
)

// Service bundles the logger, metrics, health and tracing services
type Service struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	health  *health.Service
	tracing *tracing.TracingService

	monitorMu sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// Options identifies the running service in logs, traces and health output
type Options struct {
	ServiceName    string
	ServiceVersion string
	HealthTimeout  time.Duration
}

// NewService builds the observability stack from application configuration.
// A tracing exporter that cannot be created degrades to the no-op tracer.
func NewService(cfg *config.Config, opts Options) (*Service, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "nestwatch"
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = "1.0.0"
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: opts.ServiceName,
		Version:     opts.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	metricsService := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracingService, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
		tracingService = tracing.NewNoopService()
	}

	healthService := health.NewService(logger, &health.Config{
		Timeout: opts.HealthTimeout,
		Metadata: map[string]string{
			"service":     opts.ServiceName,
			"version":     opts.ServiceVersion,
			"environment": cfg.Tracing.Environment,
		},
	})

	return &Service{
		logger:  logger,
		metrics: metricsService,
		health:  healthService,
		tracing: tracingService,
	}, nil
}

// Logger returns the logger instance
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// Metrics returns the metrics instance
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Health returns the health service
func (s *Service) Health() *health.Service {
	return s.health
}

// Tracing returns the tracing service
func (s *Service) Tracing() *tracing.TracingService {
	return s.tracing
}

// StartHealthAlerts runs the health checks every interval and raises an alert
// for each unhealthy or degraded check. It returns immediately.
func (s *Service) StartHealthAlerts(ctx context.Context, alerts *resilience.AlertManager, interval time.Duration) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.CheckAndAlert(ctx, alerts)
			}
		}
	}(s.stop, s.done)
}

// CheckAndAlert runs one health pass and forwards failing checks to alerts
func (s *Service) CheckAndAlert(ctx context.Context, alerts *resilience.AlertManager) {
	response := s.health.CheckHealth(ctx)

	for name, check := range response.Checks {
		var severity resilience.AlertSeverity
		switch check.Status {
		case health.StatusUnhealthy:
			severity = resilience.SeverityCritical
		case health.StatusDegraded:
			severity = resilience.SeverityWarning
		default:
			continue
		}

		alert := resilience.Alert{
			Type:        "health_check_" + name,
			Severity:    severity,
			Title:       fmt.Sprintf("Health check %s: %s", check.Status, name),
			Description: check.Message,
			Source:      "health",
			Tags: map[string]string{
				"check_name": name,
				"status":     string(check.Status),
			},
			Metadata: map[string]interface{}{
				"error":    check.Error,
				"duration": check.Duration.String(),
			},
		}

		// suppressed and failed deliveries are already logged by the manager
		_ = alerts.SendAlert(ctx, alert)
	}
}

// Shutdown stops the health alert loop and flushes the tracer
func (s *Service) Shutdown(ctx context.Context) error {
	s.monitorMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.monitorMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	if err := s.tracing.Shutdown(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to shutdown tracing service")
		return err
	}

	s.logger.WithComponent("observability").Info("Observability service shutdown complete")
	return nil
}
