package retry

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
)

// Config defines retry configuration for the blocking helpers and for
// callers that build runners from loaded settings.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the wait after the first failure; it doubles after each further one
	InitialDelay time.Duration
	// MaxDelay caps a single wait (0 = no cap)
	MaxDelay time.Duration
	// JitterStrategy defines the jitter algorithm to use
	JitterStrategy JitterStrategy
	// Retryable classifies failures (nil = every failure is retried)
	Retryable IsRetryableFunc
	// OnRetry is called on each retry attempt for observability
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Clock provides timers (defaults to clock.WallClock)
	Clock clock.Clock
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterStrategy: JitterDecorrelated,
		Retryable:      DefaultRetryable,
	}
}

// Normalize validates the configuration and fills optional fields.
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay cannot be greater than MaxDelay")
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return nil
}

// Options converts the configuration into Runner options.
func (c Config) Options() []Option {
	return []Option{
		WithClock(c.Clock),
		WithMaxDelay(c.MaxDelay),
		WithJitter(c.JitterStrategy),
		WithRetryable(c.Retryable),
		WithOnRetry(c.OnRetry),
	}
}

// NewRunnerFromConfig validates cfg and creates a runner for op.
func NewRunnerFromConfig[R any](cfg Config, op Operation[R]) (*Runner[R], error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return NewRunner(op, cfg.InitialDelay, cfg.MaxAttempts, cfg.Options()...), nil
}

// Run executes op in a campaign and waits for its outcome. Cancelling ctx
// aborts the campaign with ctx.Err().
func Run[R any](ctx context.Context, cfg Config, op Operation[R]) (R, error) {
	var zero R
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	r, err := NewRunnerFromConfig(cfg, func(context.Context) (R, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}

	out := r.Start()
	select {
	case <-out.Done():
	case <-ctx.Done():
		r.Abort(ctx.Err())
	}
	return out.Result()
}

// Do executes a function with retry logic using exponential backoff
func Do(ctx context.Context, cfg Config, fn RetryableFunc) error {
	_, err := Run(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is a convenience function that uses default configuration
func Retry(ctx context.Context, fn RetryableFunc) error {
	return Do(ctx, DefaultConfig(), fn)
}
