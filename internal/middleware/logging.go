package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

const (
	// CorrelationIDHeader carries the caller's correlation id
	CorrelationIDHeader = "X-Correlation-ID"
	// RequestIDHeader is set on every response
	RequestIDHeader = "X-Request-ID"
)

// LoggingMiddleware creates a middleware for request logging with correlation IDs
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		requestID := logging.NewCorrelationID()

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		ctx = logging.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)

		c.Header(CorrelationIDHeader, correlationID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		// admission may have attached the client id after we ran
		logger.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// ErrorLoggingMiddleware logs errors handlers attached with c.Error
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(
				c.Request.Context(),
				err.Err,
				"Request processing error",
				logging.Fields{
					"error_type": err.Type,
					"meta":       err.Meta,
				},
			)
		}
	}
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(c.Request.Context(), recovered, "Request panic recovered")
		m.RecordPanic("http")

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":          "Internal server error",
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}
