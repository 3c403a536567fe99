package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected until the cooldown elapses
	StateOpen
	// StateHalfOpen - cooldown elapsed, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// quotaPhrases are matched case-insensitively against error messages that
// carry no structured quota signal.
var quotaPhrases = []string{
	"insufficient_quota",
	"quota exceeded",
	"rate limit exceeded",
	"too many requests",
	"billing details",
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of classified failures that opens the circuit
	FailureThreshold int
	// Cooldown is the period of the open state, after which a trial is admitted
	Cooldown time.Duration
	// IsFailure classifies errors that count against the circuit. Defaults to IsQuotaError.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	Logger        *logging.Logger
	// Now overrides the clock in tests
	Now func() time.Time
}

// CircuitSnapshot is a point-in-time view of the breaker for monitoring
type CircuitSnapshot struct {
	Name           string     `json:"name"`
	State          string     `json:"state"`
	FailureCount   int        `json:"failure_count"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	TimeUntilReset float64    `json:"time_until_reset_seconds"`
	CooldownSec    float64    `json:"cooldown_seconds"`
}

// CircuitBreaker trips on quota exhaustion of the guarded call and fails fast
// for the cooldown period. Errors that are not quota related pass through
// without touching its state.
type CircuitBreaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	isFailure     func(err error) bool
	onStateChange func(name string, from CircuitState, to CircuitState)
	now           func() time.Time

	mutex         sync.Mutex
	state         CircuitState
	generation    uint64
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	trialRunning  bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          config.Name,
		threshold:     config.FailureThreshold,
		cooldown:      config.Cooldown,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		now:           config.Now,
		logger:        logging.OrGlobal(config.Logger),
	}

	if cb.name == "" {
		cb.name = "llm"
	}
	if cb.threshold <= 0 {
		cb.threshold = 1
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Minute
	}
	if cb.isFailure == nil {
		cb.isFailure = IsQuotaError
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	return cb
}

// Execute runs the given request if the circuit breaker accepts it. Quota
// failures are returned as QuotaExhausted errors.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err := req(ctx)
	if quota := cb.afterRequest(generation, err); quota {
		return result, asQuotaExhausted(cb.name, err)
	}
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// IsOpen reports whether calls are currently being rejected. It does not
// change state: once the cooldown has elapsed it returns false even though
// the transition to half-open only happens on the next call.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state == StateOpen && cb.now().Before(cb.nextAttemptAt)
}

// FailureCount returns the number of classified failures since the last reset
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.failureCount
}

// Snapshot returns the state, failure count and time until the next attempt
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, _ := cb.currentState(now)

	snap := CircuitSnapshot{
		Name:         cb.name,
		State:        state.String(),
		FailureCount: cb.failureCount,
		CooldownSec:  cb.cooldown.Seconds(),
	}
	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		snap.LastFailureAt = &t
	}
	if state == StateOpen {
		t := cb.nextAttemptAt
		snap.NextAttemptAt = &t
		snap.TimeUntilReset = cb.nextAttemptAt.Sub(now).Seconds()
	}
	return snap
}

// ForceReset closes the circuit and clears the failure count
func (cb *CircuitBreaker) ForceReset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	prev := cb.state
	cb.failureCount = 0
	cb.lastFailureAt = time.Time{}
	cb.setState(StateClosed, cb.now())
	cb.generation++

	cb.logger.Warn("Circuit breaker force reset",
		"name", cb.name,
		"from", prev.String(),
	)
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)

	switch state {
	case StateOpen:
		return generation, appErrors.NewCircuitOpenError(cb.name, cb.nextAttemptAt.Sub(now))
	case StateHalfOpen:
		if cb.trialRunning {
			return generation, appErrors.NewCircuitOpenError(cb.name, 0).
				WithDetail("state", StateHalfOpen.String())
		}
		cb.trialRunning = true
	}

	return generation, nil
}

// afterRequest records the outcome and reports whether err was classified
// as a quota failure.
func (cb *CircuitBreaker) afterRequest(before uint64, err error) bool {
	quota := err != nil && cb.isFailure(err)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return quota
	}

	switch {
	case err == nil:
		cb.onSuccess(state, now)
	case quota:
		cb.onFailure(state, now)
	default:
		// unclassified errors leave the state alone but free the trial slot
		if state == StateHalfOpen {
			cb.trialRunning = false
		}
	}
	return quota
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.failureCount = 0
	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.failureCount++
	cb.lastFailureAt = now

	switch state {
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && !now.Before(cb.nextAttemptAt) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	cb.trialRunning = false
	switch state {
	case StateOpen:
		cb.nextAttemptAt = now.Add(cb.cooldown)
	case StateClosed:
		cb.nextAttemptAt = time.Time{}
	}

	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// quotaSignal is implemented by provider errors that know whether they
// represent quota exhaustion.
type quotaSignal interface {
	QuotaExhausted() bool
}

// IsQuotaError reports whether err indicates provider quota exhaustion.
// Structured signals win; message matching is the last resort.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if appErrors.IsType(err, appErrors.ErrorTypeQuotaExhausted) {
		return true
	}
	var signal quotaSignal
	if errors.As(err, &signal) {
		return signal.QuotaExhausted()
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range quotaPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func asQuotaExhausted(name string, err error) error {
	if appErrors.IsType(err, appErrors.ErrorTypeQuotaExhausted) {
		return err
	}
	return appErrors.NewQuotaExhaustedError(name, err.Error()).WithCause(err)
}

// IsCircuitOpenError checks if an error was produced by an open circuit
func IsCircuitOpenError(err error) bool {
	return appErrors.IsType(err, appErrors.ErrorTypeCircuitOpen)
}
