package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/analyzer"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/api"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/cache"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/meter"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/notifications"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/observability"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/ratelimit"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/store"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/summary"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/config"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/health"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

const (
	serviceName    = "nestwatch"
	serviceVersion = "1.0.0"
	analyzerName   = "analyzer"
)

func main() {
	// a missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	obs, err := observability.NewService(cfg, observability.Options{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		HealthTimeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logger, m, tracer := obs.Logger(), obs.Metrics(), obs.Tracing()
	logging.SetGlobalLogger(logger)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck

	degradation := resilience.NewDegradationManager(1)
	degradation.RegisterService(analyzerName, resilience.LevelPartial)

	stores, err := store.New(cfg, m, degradation, logger)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer stores.Store.Close()

	// Spend alerts
	retry := resilience.DefaultRetryConfig()
	retry.Logger = logger
	alerts := resilience.NewAlertManager(resilience.AlertManagerConfig{
		DefaultCooldown: cfg.Budget.AlertCooldown,
		Retry:           &retry,
		Logger:          logger,
	})
	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))
	if cfg.Alerting.SlackWebhookURL != "" {
		alerts.AddHandler(notifications.NewSlackPoster(notifications.SlackConfig{
			WebhookURL: cfg.Alerting.SlackWebhookURL,
			Channel:    cfg.Alerting.SlackChannel,
		}, zapLogger, tracer.InstrumentHTTPClient(&http.Client{Timeout: 10 * time.Second})))
	}

	usageMeter := meter.New(stores.Store, meter.Config{
		Budget: meter.Budget{
			DailyTokens:  cfg.Budget.DailyTokens,
			HourlyTokens: cfg.Budget.HourlyTokens,
			DailyCostUSD: cfg.Budget.DailyCostUSD,
		},
		Alerts:  alerts,
		Logger:  logger,
		Metrics: m,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RPS:     cfg.RateLimit.RPS,
		Burst:   cfg.RateLimit.Burst,
		Logger:  logger,
		Metrics: m,
	})

	resultCache := cache.NewService(stores.Store, &cache.Config{
		TTL:     cfg.Cache.TTL,
		Logger:  logger,
		Metrics: m,
		Tracing: tracer,
	})
	coordinator := cache.NewCoordinator(resultCache, cache.CoordinatorConfig{
		MaxWait: cfg.Cache.MaxWait,
		Logger:  logger,
		Metrics: m,
	})

	circuit := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "llm",
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Cooldown:         cfg.Circuit.Cooldown,
		Logger:           logger,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.RecordCircuitTransition(name, from.String(), to.String())
			degradation.UpdateServiceHealth(analyzerName, to == resilience.StateClosed, 0, "circuit "+to.String())
		},
	})

	var gen summary.Analyzer = analyzer.Unavailable{}
	if cfg.Analyzer.URL != "" {
		gen = analyzer.NewHTTPAnalyzer(analyzer.Config{
			URL:     cfg.Analyzer.URL,
			APIKey:  cfg.Analyzer.APIKey,
			Timeout: cfg.Analyzer.Timeout,
		}, tracer.InstrumentHTTPClient(&http.Client{Timeout: cfg.Analyzer.Timeout}))
	} else {
		logger.Warn("No analyzer endpoint configured, every summary will use the fallback summarizer")
	}

	service, err := summary.NewService(summary.Dependencies{
		Limiter:     limiter,
		Cache:       resultCache,
		Coordinator: coordinator,
		Circuit:     circuit,
		Meter:       usageMeter,
		Analyzer:    gen,
		Store:       stores.Store,
		Degradation: degradation,
	}, summary.Config{
		CardVersion: cfg.Cache.CardVersion,
		Logger:      logger,
		Metrics:     m,
		Tracing:     tracer,
	})
	if err != nil {
		log.Fatalf("Failed to create summary service: %v", err)
	}

	healthService := obs.Health()
	healthService.RegisterChecker("store", health.NewStoreChecker(stores.Store, stores.Store.Name()))
	healthService.RegisterChecker("circuit", health.NewCircuitChecker(circuit))
	if cfg.Analyzer.HealthURL != "" {
		healthService.RegisterChecker(analyzerName,
			health.NewHTTPChecker(cfg.Analyzer.HealthURL, analyzerName, 3*time.Second).Optional())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := resilience.NewBackendHealthMonitor(alerts, degradation, 30*time.Second)
	monitor.Start(ctx)
	defer monitor.Stop()

	obs.StartHealthAlerts(ctx, alerts, time.Minute)

	if stores.Redis != nil {
		redisStore := stores.Redis
		collector := metrics.NewMetricsCollector(m, 15*time.Second, func(m *metrics.Metrics) {
			stats := redisStore.PoolStats()
			m.UpdateRedisConnections(stats.TotalConns, stats.IdleConns, stats.StaleConns)
		})
		go collector.Start(ctx)
		defer collector.Stop()
	}

	headers := api.DefaultHeadersConfig()
	headers.AllowedOrigins = cfg.Server.AllowedOrigins

	router := api.NewRouter(api.RouterConfig{
		Service: service,
		Health:  healthService,
		Metrics: m,
		Tracing: tracer,
		Logger:  logger,
		Headers: headers,
		Debug:   cfg.Logging.Level == "debug",
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server",
			"addr", server.Addr,
			"store", stores.Store.Name(),
			"card_version", cfg.Cache.CardVersion,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	usageMeter.Wait()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Observability shutdown failed", "error", err)
	}

	logger.Info("Server exited")
}
