package api

import (
	"github.com/gin-gonic/gin"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/middleware"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/summary"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/health"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/tracing"
)

// RouterConfig carries the router's collaborators
type RouterConfig struct {
	Service summary.SummaryService
	Health  *health.Service
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Logger  *logging.Logger
	Headers HeadersConfig
	Debug   bool
}

// NewRouter creates and configures the API router
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.RecoveryMiddleware(cfg.Logger, cfg.Metrics))
	router.Use(middleware.ErrorLoggingMiddleware(cfg.Logger))
	router.Use(cfg.Tracing.TracingMiddleware())
	router.Use(cfg.Metrics.PrometheusMiddleware())
	router.Use(CORSMiddleware(cfg.Headers))
	router.Use(SecurityHeadersMiddleware(cfg.Headers))
	router.Use(RequestSizeMiddleware(cfg.Headers.MaxBodyBytes))

	if cfg.Health != nil {
		router.GET("/health", cfg.Health.Handler())
		router.GET("/health/live", cfg.Health.LivenessHandler())
		router.GET("/health/ready", cfg.Health.ReadinessHandler())
	}
	router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	sreHandler := NewSREHandler(cfg.Service, cfg.Logger)

	v1 := router.Group("/api/v1")
	{
		sre := v1.Group("/sre")
		{
			sre.POST("/enhanced-summary",
				middleware.AdmissionMiddleware(cfg.Service, cfg.Logger),
				sreHandler.GetEnhancedSummary,
			)
			sre.GET("/usage", sreHandler.GetUsage)
			sre.POST("/usage", sreHandler.RecordUsage)
			sre.POST("/circuit/reset", sreHandler.ResetCircuit)
			sre.POST("/cache/clear", sreHandler.ClearCache)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
