// Package ratelimit admits requests to the generative path through token
// buckets: one global bucket and a stricter bucket per client.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
)

// GlobalScope names the shared bucket
const GlobalScope = "global"

const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// TokenBucket refills continuously at rate tokens per second up to capacity.
// Refill is computed lazily on access.
type TokenBucket struct {
	limiter  *rate.Limiter
	rate     float64
	capacity int

	mu       sync.Mutex
	lastUsed time.Time
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(ratePerSec float64, capacity int, now time.Time) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), capacity),
		rate:     ratePerSec,
		capacity: capacity,
		lastUsed: now,
	}
}

// TryConsume takes n tokens if available. It never blocks.
func (b *TokenBucket) TryConsume(n int, now time.Time) bool {
	b.touch(now)
	return b.limiter.AllowN(now, n)
}

// Tokens returns the tokens available at now
func (b *TokenBucket) Tokens(now time.Time) float64 {
	return b.limiter.TokensAt(now)
}

// RetryAfter is the wait until one token is available
func (b *TokenBucket) RetryAfter(now time.Time) time.Duration {
	tokens := b.Tokens(now)
	if tokens >= 1 || b.rate <= 0 {
		return 0
	}
	secs := math.Max(0, (1-tokens)/b.rate)
	return time.Duration(secs * float64(time.Second))
}

func (b *TokenBucket) touch(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.lastUsed) {
		b.lastUsed = now
	}
}

func (b *TokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUsed)
}

// Config configures the limiter
type Config struct {
	// RPS and Burst size the global bucket. Client buckets get half of each,
	// with a burst of at least one.
	RPS   float64
	Burst int

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Status is a point-in-time view of the limiter
type Status struct {
	GlobalTokens        float64 `json:"global_tokens"`
	GlobalCapacity      int     `json:"global_capacity"`
	GlobalRate          float64 `json:"global_rate"`
	ActiveClientBuckets int     `json:"active_client_buckets"`
	RetryAfterSeconds   float64 `json:"retry_after"`
}

// Limiter is the two-tier admission controller
type Limiter struct {
	global        *TokenBucket
	clientRate    float64
	clientBurst   int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	clients   map[string]*TokenBucket
	lastSweep time.Time

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a limiter with a full global bucket
func New(config Config) *Limiter {
	if config.RPS <= 0 {
		config.RPS = 0.5
	}
	if config.Burst <= 0 {
		config.Burst = 2
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	now := config.Now()
	l := &Limiter{
		global:        NewTokenBucket(config.RPS, config.Burst, now),
		clientRate:    config.RPS * 0.5,
		clientBurst:   max(1, config.Burst/2),
		idleTimeout:   config.IdleTimeout,
		sweepInterval: config.SweepInterval,
		clients:       make(map[string]*TokenBucket),
		lastSweep:     now,
		logger:        logging.OrGlobal(config.Logger),
		metrics:       config.Metrics,
		now:           config.Now,
	}

	l.logger.Info("Rate limiter initialized",
		"rps", config.RPS,
		"burst", config.Burst,
		"client_rps", l.clientRate,
		"client_burst", l.clientBurst,
	)
	return l
}

// Allow admits one request. The global bucket is consumed first; the client
// bucket is skipped for an empty client id. A denial is an AdmissionDenied
// error carrying the scope and the retry hint.
func (l *Limiter) Allow(clientID string) error {
	now := l.now()
	l.sweep(now)

	if !l.global.TryConsume(1, now) {
		retryAfter := l.global.RetryAfter(now)
		l.metrics.RecordAdmission(false, GlobalScope)
		l.logger.Warn("Global rate limit exceeded", "retry_after", retryAfter.Seconds())
		return appErrors.NewAdmissionDeniedError(GlobalScope, retryAfter)
	}

	if clientID == "" {
		l.metrics.RecordAdmission(true, GlobalScope)
		return nil
	}

	bucket := l.clientBucket(clientID, now)
	if !bucket.TryConsume(1, now) {
		retryAfter := bucket.RetryAfter(now)
		l.metrics.RecordAdmission(false, "client")
		l.logger.Warn("Client rate limit exceeded",
			"client_id", clientID,
			"retry_after", retryAfter.Seconds(),
		)
		return appErrors.NewAdmissionDeniedError("client", retryAfter).WithDetail("client_id", clientID)
	}

	l.metrics.RecordAdmission(true, "client")
	return nil
}

// TryConsume takes n tokens from the bucket of scope, which is GlobalScope or
// a client id.
func (l *Limiter) TryConsume(scope string, n int) bool {
	now := l.now()
	if scope == GlobalScope {
		return l.global.TryConsume(n, now)
	}
	return l.clientBucket(scope, now).TryConsume(n, now)
}

// RetryAfter returns the wait for the bucket of scope. Unknown clients have a
// full bucket and need no wait.
func (l *Limiter) RetryAfter(scope string) time.Duration {
	now := l.now()
	if scope == GlobalScope {
		return l.global.RetryAfter(now)
	}

	l.mu.Lock()
	bucket, ok := l.clients[scope]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return bucket.RetryAfter(now)
}

// Status reports the global bucket and the number of client buckets
func (l *Limiter) Status() Status {
	now := l.now()

	l.mu.Lock()
	active := len(l.clients)
	l.mu.Unlock()

	return Status{
		GlobalTokens:        l.global.Tokens(now),
		GlobalCapacity:      l.global.capacity,
		GlobalRate:          l.global.rate,
		ActiveClientBuckets: active,
		RetryAfterSeconds:   l.global.RetryAfter(now).Seconds(),
	}
}

func (l *Limiter) clientBucket(clientID string, now time.Time) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[clientID]
	if !ok {
		bucket = NewTokenBucket(l.clientRate, l.clientBurst, now)
		l.clients[clientID] = bucket
	}
	return bucket
}

// sweep drops client buckets idle for longer than idleTimeout, at most once
// per sweepInterval.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) < l.sweepInterval {
		return
	}
	l.lastSweep = now

	removed := 0
	for id, bucket := range l.clients {
		if bucket.idleSince(now) > l.idleTimeout {
			delete(l.clients, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("Swept idle client buckets", "removed", removed, "remaining", len(l.clients))
	}
}
