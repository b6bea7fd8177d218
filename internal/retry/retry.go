// Package retry runs a unit of work with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy controls how many times a unit is attempted and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	// RetryIf, when set, stops the loop on errors it rejects.
	// Nil retries every error.
	RetryIf func(error) bool
}

// DefaultPolicy returns 3 attempts starting at 1s, doubling, capped at 60s, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// ExhaustedError is returned after every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(c *Coordinator) {
		c.timer = t
	}
}

// Coordinator executes operations under a Policy.
type Coordinator struct {
	policy Policy
	logger *zap.Logger
	timer  backoff.Timer
}

// NewCoordinator creates a Coordinator, filling zero policy fields with defaults.
func NewCoordinator(policy Policy, logger *zap.Logger, opts ...Option) *Coordinator {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		policy.Jitter = def.Jitter
	}

	c := &Coordinator{policy: policy, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the effective policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Execute calls op until it succeeds or MaxAttempts is reached. The attempt
// number passed to op starts at 1. Waiting between attempts stops early only
// when ctx is done, in which case the context error is returned.
func (c *Coordinator) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempt := 0
	var lastErr error

	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if c.policy.RetryIf != nil && !c.policy.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(c.NewBackOff(), uint64(c.policy.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(operation, b, notify, c.timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &ExhaustedError{Attempts: attempt, Err: lastErr}
}

// NewBackOff returns the delay sequence for one Execute call. Successive
// NextBackOff calls yield the waits before attempts 2, 3, ...
func (c *Coordinator) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialDelay
	b.Multiplier = c.policy.Multiplier
	b.MaxInterval = c.policy.MaxDelay
	b.RandomizationFactor = c.policy.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return &millisecondBackOff{BackOff: b}
}

// millisecondBackOff truncates delays to whole milliseconds.
type millisecondBackOff struct {
	backoff.BackOff
}

func (m *millisecondBackOff) NextBackOff() time.Duration {
	d := m.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return d.Truncate(time.Millisecond)
}
