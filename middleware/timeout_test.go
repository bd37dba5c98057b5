package middleware

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/types"
)

func TestTimeout_DerivesWhenUnset(t *testing.T) {
	t.Parallel()

	var seen time.Duration
	base := func(_ context.Context, req *types.Request) (*types.Result, error) {
		seen = req.Timeout
		return &types.Result{}, nil
	}
	p := NewPipeline(base, nil, Timeout(TimeoutConfig{
		Base:             time.Minute,
		ModelMultipliers: map[string]float64{"opus": 2},
		PerChar:          time.Millisecond,
	}))

	req := &types.Request{Model: "claude-opus-4", Prompt: strings.Repeat("x", 1000)}
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	// base*2 for the opus multiplier plus 1ms per prompt character.
	assert.Equal(t, 2*time.Minute+time.Second, seen)
}

func TestTimeout_PreservesExplicitTimeout(t *testing.T) {
	t.Parallel()

	var seen time.Duration
	base := func(_ context.Context, req *types.Request) (*types.Result, error) {
		seen = req.Timeout
		return &types.Result{}, nil
	}
	p := NewPipeline(base, nil, Timeout(TimeoutConfig{Base: time.Minute}))

	req := &types.Request{Model: "m", Prompt: "p", Timeout: 7 * time.Second}
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, seen)
}

func TestTimeout_UnknownModelUsesBase(t *testing.T) {
	t.Parallel()

	var seen time.Duration
	base := func(_ context.Context, req *types.Request) (*types.Result, error) {
		seen = req.Timeout
		return &types.Result{}, nil
	}
	p := NewPipeline(base, nil, Timeout(TimeoutConfig{
		Base:             30 * time.Second,
		ModelMultipliers: map[string]float64{"opus": 2},
	}))

	_, err := p.Execute(context.Background(), &types.Request{Model: "haiku", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, seen)
}

func TestTimeout_EnforcesDeadline(t *testing.T) {
	t.Parallel()

	base := func(ctx context.Context, _ *types.Request) (*types.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &types.Result{}, nil
		}
	}
	p := NewPipeline(base, nil, Timeout(TimeoutConfig{}))

	start := time.Now()
	_, err := p.Execute(context.Background(), &types.Request{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
