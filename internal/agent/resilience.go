package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/nworlds/internal/backend"
	"github.com/aristath/nworlds/internal/log"
)

// RetryConfig configures exponential backoff between agent attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Give up after this long (default 2m)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = c.InitialInterval
	p.MaxInterval = c.MaxInterval
	p.MaxElapsedTime = c.MaxElapsedTime
	p.Multiplier = c.Multiplier
	p.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(p, ctx)
}

// Breakers holds one circuit breaker per agent, so a broken agent stops
// being called without affecting the others.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   log.Logger
}

// NewBreakers creates an empty registry. logger may be nil.
func NewBreakers(logger log.Logger) *Breakers {
	if logger == nil {
		logger = log.Noop
	}
	return &Breakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.WithValues(log.Kv{"svc": "agent.Breakers"}),
	}
}

// Get returns the breaker of an agent, creating it on first use.
func (r *Breakers) Get(agent string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agent]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 3,                // Trial requests allowed while half-open
		Timeout:     30 * time.Second, // Open duration before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warningf("Circuit breaker of agent %q: %s -> %s", name, from, to)
		},
		// A cancelled world says nothing about the agent's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[agent] = cb
	return cb
}

// sendWithRetry sends msg through cb, retrying failures with exponential
// backoff. An open breaker or a done ctx ends the retries at once.
func sendWithRetry(ctx context.Context, b backend.Backend, msg backend.Message, cb *gobreaker.CircuitBreaker, cfg RetryConfig, logger log.Logger) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		result, err := cb.Execute(func() (interface{}, error) {
			return b.Send(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = result.(backend.Response)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debugf("Agent call failed, retrying in %s: %v", wait, err)
	}

	err := backoff.RetryNotify(operation, cfg.policy(ctx), notify)
	return resp, err
}
