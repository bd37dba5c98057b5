package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/evmts/smithers-go/types"
)

// TimeoutConfig configures timeout derivation and enforcement.
type TimeoutConfig struct {
	// Base is the starting timeout for requests that carry none.
	// Defaults to 2 minutes.
	Base time.Duration
	// ModelMultipliers scales Base per model. Keys match the request model
	// exactly or as a substring, longest key first. Unmatched models use 1.
	ModelMultipliers map[string]float64
	// PerChar adds to the derived timeout for every prompt character.
	PerChar time.Duration
}

// Timeout returns a middleware that fills in a derived timeout on requests
// that carry none and enforces the request timeout through the context.
func Timeout(cfg TimeoutConfig) Middleware {
	if cfg.Base <= 0 {
		cfg.Base = 2 * time.Minute
	}
	return Middleware{
		Name: "timeout",
		TransformOptions: func(_ context.Context, req *types.Request) (*types.Request, error) {
			if req.Timeout <= 0 {
				req.Timeout = deriveTimeout(cfg, req)
			}
			return req, nil
		},
		WrapExecute: func(next Exec) Exec {
			return func(ctx context.Context, req *types.Request) (*types.Result, error) {
				if req.Timeout <= 0 {
					return next(ctx, req)
				}
				ctx, cancel := context.WithTimeout(ctx, req.Timeout)
				defer cancel()
				return next(ctx, req)
			}
		},
	}
}

func deriveTimeout(cfg TimeoutConfig, req *types.Request) time.Duration {
	multiplier := 1.0
	if m, ok := cfg.ModelMultipliers[req.Model]; ok {
		multiplier = m
	} else {
		bestLen := 0
		for key, m := range cfg.ModelMultipliers {
			if strings.Contains(req.Model, key) && len(key) > bestLen {
				multiplier = m
				bestLen = len(key)
			}
		}
	}
	derived := time.Duration(float64(cfg.Base) * multiplier)
	if cfg.PerChar > 0 {
		derived += cfg.PerChar * time.Duration(len(req.Prompt))
	}
	return derived
}
