package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
)

// ClientIDHeader lets callers name themselves for per-client admission
const ClientIDHeader = "X-Client-ID"

// Admitter decides whether a client may start a summarization
type Admitter interface {
	CheckAdmission(clientID string) error
}

// ClientID returns the X-Client-ID header, or the client IP without one
func ClientID(c *gin.Context) string {
	if id := c.GetHeader(ClientIDHeader); id != "" {
		return id
	}
	return c.ClientIP()
}

// AdmissionMiddleware rejects requests the admitter denies with 429 and a
// Retry-After header rounded up to whole seconds.
func AdmissionMiddleware(admitter Admitter, logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)
	return func(c *gin.Context) {
		clientID := ClientID(c)
		c.Request = c.Request.WithContext(logging.WithClientID(c.Request.Context(), clientID))

		err := admitter.CheckAdmission(clientID)
		if err == nil {
			c.Next()
			return
		}

		if !appErrors.IsType(err, appErrors.ErrorTypeAdmissionDenied) {
			logger.Error("Admission check failed", "client_id", clientID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "Internal server error",
				"message": "admission check failed",
			})
			return
		}

		retryAfter := appErrors.RetryAfter(err).Seconds()
		c.Header("Retry-After", strconv.Itoa(int(retryAfter)+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Rate limit exceeded",
			"message":     err.Error(),
			"retry_after": retryAfter,
		})
	}
}
