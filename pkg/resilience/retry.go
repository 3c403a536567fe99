package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds up to 10% randomness to each delay
	Jitter bool
	// Retryable decides whether an error is worth another attempt
	Retryable func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
	Logger  *logging.Logger
}

// DefaultRetryConfig returns the configuration used for alert delivery
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Retryable:         DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors determines if an error is retryable by default.
// Quota, budget, admission and open-circuit errors are never retried.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	switch appErrors.GetType(err) {
	case appErrors.ErrorTypeTimeout, appErrors.ErrorTypeExternal, appErrors.ErrorTypeBackendUnavailable:
		return true
	case appErrors.ErrorTypeValidation, appErrors.ErrorTypeNotFound, appErrors.ErrorTypeBudgetExceeded,
		appErrors.ErrorTypeAdmissionDenied, appErrors.ErrorTypeCircuitOpen, appErrors.ErrorTypeQuotaExhausted:
		return false
	}

	return !IsQuotaError(err)
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Retryable == nil {
		config.Retryable = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.OrGlobal(config.Logger),
	}
}

// Execute runs operation until it succeeds, returns a non-retryable error,
// runs out of attempts or ctx is done.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !r.config.Retryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.Backoff(attempt)
		r.logger.Debug("Operation failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
		)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// Backoff returns the delay before the retry that follows attempt
func (r *Retrier) Backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}
	return time.Duration(delay)
}

// Retry executes operation with the default retry configuration
func Retry(ctx context.Context, operation func(context.Context) error) error {
	return NewRetrier(DefaultRetryConfig()).Execute(ctx, operation)
}
