package middleware

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evmts/smithers-go/types"
)

// RateLimitConfig configures the rate-limiting middleware.
type RateLimitConfig struct {
	// RequestsPerMinute gates request dispatch. Must be positive.
	RequestsPerMinute float64
	// TokensPerMinute optionally gates estimated prompt tokens. Must be
	// positive when set.
	TokensPerMinute float64
	// RequestBurst is the request bucket capacity. Defaults to
	// ceil(RequestsPerMinute), so a full idle minute can be spent at once.
	RequestBurst int
	// TokenBurst is the token bucket capacity. Defaults to
	// ceil(TokensPerMinute).
	TokenBurst int
	// MaxWait bounds how long a dispatch may block on the buckets. A wait
	// beyond it surfaces a RateLimitError carrying the required delay.
	// Zero waits indefinitely.
	MaxWait time.Duration
	// EstimateTokens estimates a request's prompt tokens for the token
	// bucket. Defaults to len(system+prompt)/4.
	EstimateTokens func(req *types.Request) int
	Logger         *zap.Logger
}

// RateLimit returns a middleware gating executions through continuous-refill
// token buckets. Requests larger than a bucket's capacity clamp to it rather
// than blocking forever.
func RateLimit(cfg RateLimitConfig) (Middleware, error) {
	if cfg.RequestsPerMinute <= 0 {
		return Middleware{}, fmt.Errorf("requests per minute must be positive, got %v", cfg.RequestsPerMinute)
	}
	if cfg.TokensPerMinute < 0 {
		return Middleware{}, fmt.Errorf("tokens per minute must be positive when set, got %v", cfg.TokensPerMinute)
	}
	requestBurst := cfg.RequestBurst
	if requestBurst <= 0 {
		requestBurst = ceilInt(cfg.RequestsPerMinute)
	}
	requests := rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), requestBurst)

	var tokens *rate.Limiter
	if cfg.TokensPerMinute > 0 {
		tokenBurst := cfg.TokenBurst
		if tokenBurst <= 0 {
			tokenBurst = ceilInt(cfg.TokensPerMinute)
		}
		tokens = rate.NewLimiter(rate.Limit(cfg.TokensPerMinute/60), tokenBurst)
	}

	estimate := cfg.EstimateTokens
	if estimate == nil {
		estimate = func(req *types.Request) int {
			return (len(req.SystemPrompt) + len(req.Prompt)) / 4
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "middleware.ratelimit"))

	mw := Middleware{
		Name: "ratelimit",
		WrapExecute: func(next Exec) Exec {
			return func(ctx context.Context, req *types.Request) (*types.Result, error) {
				if err := waitFor(ctx, requests, 1, cfg.MaxWait, "requests/min", logger); err != nil {
					return nil, err
				}
				if tokens != nil {
					n := estimate(req)
					if n > 0 {
						if err := waitFor(ctx, tokens, n, cfg.MaxWait, "tokens/min", logger); err != nil {
							return nil, err
						}
					}
				}
				return next(ctx, req)
			}
		},
	}
	return mw, nil
}

// waitFor reserves n from lim and sleeps out the reservation delay, honoring
// the max-wait budget and context cancellation.
func waitFor(ctx context.Context, lim *rate.Limiter, n int, maxWait time.Duration, name string, logger *zap.Logger) error {
	if n > lim.Burst() {
		n = lim.Burst()
	}
	now := time.Now()
	res := lim.ReserveN(now, n)
	if !res.OK() {
		return types.NewRateLimitError(name, 0)
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if maxWait > 0 && delay > maxWait {
		res.CancelAt(now)
		logger.Debug("wait budget exceeded",
			zap.String("limit", name),
			zap.Duration("required", delay),
			zap.Duration("max_wait", maxWait),
		)
		return types.NewRateLimitError(name, delay)
	}
	select {
	case <-ctx.Done():
		res.Cancel()
		return types.NewError(types.ErrCancelled, "rate limit wait cancelled").WithCause(ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

func ceilInt(v float64) int {
	n := int(v)
	if float64(n) < v {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
