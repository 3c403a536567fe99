package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeExternal           ErrorType = "external"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeAdmissionDenied    ErrorType = "admission_denied"
	ErrorTypeBudgetExceeded     ErrorType = "budget_exceeded"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeQuotaExhausted     ErrorType = "quota_exhausted"
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	ErrorTypeProducerFailure    ErrorType = "producer_failure"
)

// Error codes
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeBudgetExceeded     = "BUDGET_EXCEEDED"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeQuotaExhausted     = "QUOTA_EXHAUSTED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeProducerFailure    = "PRODUCER_FAILURE"
)

// AppError represents an application error with context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter records how long the caller should wait before retrying
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	if d < 0 {
		d = 0
	}
	e.RetryAfter = d
	return e.WithDetail("retry_after", strconv.FormatFloat(d.Seconds(), 'f', 3, 64))
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// Quota-control errors

// NewAdmissionDeniedError is returned by the rate limiter when a bucket is empty
func NewAdmissionDeniedError(scope string, retryAfter time.Duration) *AppError {
	return NewAppError(ErrorTypeAdmissionDenied, CodeRateLimitExceeded,
		fmt.Sprintf("rate limit exceeded for %s scope", scope)).
		WithDetail("scope", scope).
		WithRetryAfter(retryAfter)
}

// NewBudgetExceededError carries the exceeded dimension and its numbers
func NewBudgetExceededError(dimension, reason string) *AppError {
	return NewAppError(ErrorTypeBudgetExceeded, CodeBudgetExceeded, reason).
		WithDetail("dimension", dimension)
}

// NewCircuitOpenError is returned without invoking the guarded call
func NewCircuitOpenError(name string, retryAfter time.Duration) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, CodeCircuitOpen,
		fmt.Sprintf("circuit breaker '%s' is open, next attempt in %ds", name, int(retryAfter.Seconds()))).
		WithDetail("circuit", name).
		WithRetryAfter(retryAfter)
}

// NewQuotaExhaustedError marks a provider error as quota exhaustion
func NewQuotaExhaustedError(provider, message string) *AppError {
	return NewAppError(ErrorTypeQuotaExhausted, CodeQuotaExhausted, message).
		WithDetail("provider", provider)
}

// NewBackendUnavailableError is used when the shared store cannot be reached
func NewBackendUnavailableError(backend, operation string) *AppError {
	return NewAppError(ErrorTypeBackendUnavailable, CodeBackendUnavailable,
		fmt.Sprintf("%s unavailable during %s", backend, operation)).
		WithDetail("backend", backend)
}

// NewProducerFailureError wraps a non-quota failure of a coalesced computation
func NewProducerFailureError(key string, cause error) *AppError {
	return NewAppError(ErrorTypeProducerFailure, CodeProducerFailure, "producer failed").
		WithDetail("key", key).
		WithCause(cause)
}

// As finds the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// RetryAfter returns the retry hint carried by err, if any
func RetryAfter(err error) time.Duration {
	if appErr, ok := As(err); ok {
		return appErr.RetryAfter
	}
	return 0
}
