package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/metrics"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// Singleflight outcomes reported to metrics
const (
	OutcomeCacheHit = "cache_hit"
	OutcomeOwner    = "owner"
	OutcomeOwnerErr = "owner_error"
	OutcomeShared   = "shared"
	OutcomeRederive = "rederive"
	OutcomeTimeout  = "timeout"
)

const (
	defaultMaxWait       = 30 * time.Second
	defaultOrphanAge     = 30 * time.Second
	defaultSweepInterval = time.Minute
)

var errOwnerPanicked = errors.New("singleflight owner panicked")

// Producer computes the analysis for one key
type Producer func(ctx context.Context) (types.Analysis, error)

// Ticket identifies the caller currently producing a key
type Ticket struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

type call struct {
	done   chan struct{}
	ticket Ticket

	// written by the owner before done is closed
	val types.Analysis
	err error
}

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	// MaxWait bounds how long a caller waits for another caller's result
	// before producing it itself
	MaxWait       time.Duration
	OrphanAge     time.Duration
	SweepInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Coordinator collapses concurrent requests for the same key into one
// producer call whose result is shared through the cache.
type Coordinator struct {
	cache         *Service
	maxWait       time.Duration
	orphanAge     time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	calls     map[string]*call
	lastSweep time.Time

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCoordinator creates a coordinator on top of a result cache
func NewCoordinator(cache *Service, config CoordinatorConfig) *Coordinator {
	if config.MaxWait <= 0 {
		config.MaxWait = defaultMaxWait
	}
	if config.OrphanAge <= 0 {
		config.OrphanAge = defaultOrphanAge
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		cache:         cache,
		maxWait:       config.MaxWait,
		orphanAge:     config.OrphanAge,
		sweepInterval: config.SweepInterval,
		calls:         make(map[string]*call),
		lastSweep:     config.Now(),
		logger:        logging.OrGlobal(config.Logger),
		metrics:       config.Metrics,
		now:           config.Now,
	}
}

// Do returns the cached analysis or runs produce at most once across
// concurrent callers of the same key. The owner caches a successful result
// and always releases the key, also on error or panic. Waiters receive the
// owner's result; if the owner failed they re-read the cache and otherwise
// run produce themselves. A waiter that is not notified within MaxWait runs
// produce itself. An owner error is returned to the owner only.
func (c *Coordinator) Do(ctx context.Context, cardVersion, contextHash string, produce Producer) (types.Analysis, error) {
	if analysis, ok := c.cache.Get(ctx, cardVersion, contextHash); ok {
		c.metrics.RecordSingleflight(OutcomeCacheHit)
		return analysis, nil
	}

	key := Key(cardVersion, contextHash)
	now := c.now()

	c.mu.Lock()
	c.sweepLocked(now)
	if existing, ok := c.calls[key]; ok {
		c.mu.Unlock()
		return c.wait(ctx, existing, cardVersion, contextHash, produce)
	}

	cl := &call{
		done:   make(chan struct{}),
		ticket: Ticket{Key: key, Owner: uuid.NewString(), CreatedAt: now},
		err:    errOwnerPanicked,
	}
	c.calls[key] = cl
	inFlight := len(c.calls)
	c.mu.Unlock()

	c.metrics.SetSingleflightInFlight(inFlight)
	return c.own(ctx, cl, cardVersion, contextHash, produce)
}

func (c *Coordinator) own(ctx context.Context, cl *call, cardVersion, contextHash string, produce Producer) (types.Analysis, error) {
	defer c.release(cl)

	c.logger.Debug("Singleflight executing", "key", cl.ticket.Key, "owner", cl.ticket.Owner)

	// a started producer runs to completion even if its owner goes away
	ctx = context.WithoutCancel(ctx)
	analysis, err := produce(ctx)
	cl.val, cl.err = analysis, err
	if err != nil {
		c.metrics.RecordSingleflight(OutcomeOwnerErr)
		return analysis, err
	}

	c.store(ctx, cardVersion, contextHash, analysis)
	c.metrics.RecordSingleflight(OutcomeOwner)
	return analysis, nil
}

func (c *Coordinator) release(cl *call) {
	c.mu.Lock()
	if c.calls[cl.ticket.Key] == cl {
		delete(c.calls, cl.ticket.Key)
	}
	inFlight := len(c.calls)
	c.mu.Unlock()

	close(cl.done)
	c.metrics.SetSingleflightInFlight(inFlight)
}

func (c *Coordinator) wait(ctx context.Context, cl *call, cardVersion, contextHash string, produce Producer) (types.Analysis, error) {
	c.logger.Debug("Singleflight waiting", "key", cl.ticket.Key, "owner", cl.ticket.Owner)

	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()

	select {
	case <-cl.done:
		if cl.err == nil {
			c.metrics.RecordSingleflight(OutcomeShared)
			return cl.val, nil
		}
		if analysis, ok := c.cache.Get(ctx, cardVersion, contextHash); ok {
			c.metrics.RecordSingleflight(OutcomeShared)
			return analysis, nil
		}
		c.metrics.RecordSingleflight(OutcomeRederive)
		return c.selfExecute(ctx, cardVersion, contextHash, produce)

	case <-timer.C:
		c.logger.Warn("Singleflight wait timed out, producing independently",
			"key", cl.ticket.Key,
			"owner", cl.ticket.Owner,
			"max_wait", c.maxWait.String(),
		)
		c.metrics.RecordSingleflight(OutcomeTimeout)
		return c.selfExecute(ctx, cardVersion, contextHash, produce)

	case <-ctx.Done():
		return types.Analysis{}, ctx.Err()
	}
}

func (c *Coordinator) selfExecute(ctx context.Context, cardVersion, contextHash string, produce Producer) (types.Analysis, error) {
	ctx = context.WithoutCancel(ctx)
	analysis, err := produce(ctx)
	if err != nil {
		return analysis, err
	}
	c.store(ctx, cardVersion, contextHash, analysis)
	return analysis, nil
}

func (c *Coordinator) store(ctx context.Context, cardVersion, contextHash string, analysis types.Analysis) {
	if err := c.cache.Set(ctx, cardVersion, contextHash, analysis); err != nil {
		c.logger.Warn("Failed to cache result", "context_hash", contextHash, "error", err)
	}
}

// sweepLocked drops tickets older than orphanAge, at most once per
// sweepInterval. Their owners still notify their own waiters. Callers hold mu.
func (c *Coordinator) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now

	for key, cl := range c.calls {
		if now.Sub(cl.ticket.CreatedAt) > c.orphanAge {
			delete(c.calls, key)
			c.logger.Warn("Removed orphaned singleflight ticket",
				"key", key,
				"owner", cl.ticket.Owner,
				"age", now.Sub(cl.ticket.CreatedAt).String(),
			)
		}
	}
}

// InFlight returns the tickets of running producers, oldest first
func (c *Coordinator) InFlight() []Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	tickets := make([]Ticket, 0, len(c.calls))
	for _, cl := range c.calls {
		tickets = append(tickets, cl.ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets
}
