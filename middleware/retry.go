package middleware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/types"
)

// RetriesExhausted wraps the final error after every attempt failed, so
// callers can tell exhaustion from a first-try failure and report the
// attempt count.
type RetriesExhausted struct {
	Attempts int
	Err      error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhausted) Unwrap() error { return e.Err }

// Backoff selects how retry delays grow across attempts.
type Backoff string

const (
	// BackoffConstant waits Base before every retry.
	BackoffConstant Backoff = "constant"
	// BackoffLinear waits Base*(attempt+1), attempt counted from zero.
	BackoffLinear Backoff = "linear"
	// BackoffExponential waits Base*2^attempt, attempt counted from zero.
	BackoffExponential Backoff = "exponential"
)

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	// Defaults to 3.
	MaxAttempts int
	// Base is the first delay. Defaults to 1s.
	Base time.Duration
	// MaxDelay caps any single delay when positive.
	MaxDelay time.Duration
	// Kind selects the backoff shape. Defaults to BackoffExponential.
	Kind Backoff
	// Retryable decides whether an error is worth another attempt.
	// Non-retryable errors propagate immediately. Nil retries everything.
	Retryable func(error) bool
	// OnRetry runs before each wait with the zero-based attempt that just
	// failed, its error, and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
	Logger  *zap.Logger
}

// Retry returns a middleware that re-runs failed executions with backoff.
// Waits respect context cancellation. A rate-limited error whose advertised
// retry-after exceeds the computed delay stretches the wait to honor it.
func Retry(cfg RetryConfig) Middleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Kind == "" {
		cfg.Kind = BackoffExponential
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "middleware.retry"))

	return Middleware{
		Name: "retry",
		WrapExecute: func(next Exec) Exec {
			return func(ctx context.Context, req *types.Request) (*types.Result, error) {
				var lastErr error
				for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
					res, err := next(ctx, req)
					if err == nil {
						return res, nil
					}
					lastErr = err
					if cfg.Retryable != nil && !cfg.Retryable(err) {
						return nil, err
					}
					if attempt == cfg.MaxAttempts-1 {
						break
					}

					delay := retryDelay(cfg, attempt)
					if after, ok := types.RetryAfterOf(err); ok && after > delay {
						delay = after
					}
					logger.Debug("retrying execution",
						zap.Int("attempt", attempt+1),
						zap.Int("max_attempts", cfg.MaxAttempts),
						zap.Duration("delay", delay),
						zap.Error(err),
					)
					if cfg.OnRetry != nil {
						cfg.OnRetry(attempt, err, delay)
					}
					select {
					case <-ctx.Done():
						return nil, types.NewError(types.ErrCancelled, "retry wait cancelled").WithCause(ctx.Err())
					case <-time.After(delay):
					}
				}
				return nil, &RetriesExhausted{Attempts: cfg.MaxAttempts, Err: lastErr}
			}
		},
	}
}

func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	var delay time.Duration
	switch cfg.Kind {
	case BackoffConstant:
		delay = cfg.Base
	case BackoffLinear:
		delay = cfg.Base * time.Duration(attempt+1)
	default:
		delay = cfg.Base << uint(attempt)
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
