package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error with details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// statusFor maps an error type to its HTTP status
func statusFor(errorType appErrors.ErrorType) int {
	switch errorType {
	case appErrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case appErrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case appErrors.ErrorTypeAdmissionDenied:
		return http.StatusTooManyRequests
	case appErrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case appErrors.ErrorTypeCircuitOpen, appErrors.ErrorTypeBackendUnavailable, appErrors.ErrorTypeQuotaExhausted:
		return http.StatusServiceUnavailable
	case appErrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := appErrors.As(err)
	if !ok {
		InternalErrorResponse(c, "An unknown error occurred")
		return
	}

	apiError := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if len(appErr.Details) > 0 {
		apiError.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiError.Details[k] = v
		}
	}
	if appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(appErr.RetryAfter.Seconds())+1))
	}

	errorResponse(c, statusFor(appErr.Type), apiError)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: message})
}

func errorResponse(c *gin.Context, status int, apiError *APIError) {
	c.AbortWithStatusJSON(status, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
