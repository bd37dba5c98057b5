package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/types"
)

func TestMock_DefaultEcho(t *testing.T) {
	t.Parallel()

	m := NewMock()
	res, err := m.Execute(context.Background(), &types.Request{Model: "opus", Prompt: "build it"})
	require.NoError(t, err)
	assert.Equal(t, "mock response for: build it", res.OutputText)
	assert.Equal(t, "opus", res.Model)
	assert.Equal(t, types.StopEndTurn, res.StopReason)
	assert.Positive(t, res.Usage.TotalTokens)
	assert.Equal(t, 1, m.CallCount())
}

func TestMock_ScriptMatching(t *testing.T) {
	t.Parallel()

	m := NewMock(
		Script{Match: MatchPrompt("fail"), Err: errors.New("scripted failure")},
		Script{Match: MatchPrompt("plan"), Result: &types.Result{OutputText: "the plan"}},
	)

	ctx := context.Background()
	_, err := m.Execute(ctx, &types.Request{Prompt: "please fail"})
	require.Error(t, err)

	res, err := m.Execute(ctx, &types.Request{Prompt: "write a plan"})
	require.NoError(t, err)
	assert.Equal(t, "the plan", res.OutputText)

	res, err = m.Execute(ctx, &types.Request{Prompt: "anything else"})
	require.NoError(t, err)
	assert.Contains(t, res.OutputText, "mock response for")
}

func TestMock_OnceScriptsConsume(t *testing.T) {
	t.Parallel()

	m := NewMock(
		Script{Match: MatchPrompt("flaky"), Err: errors.New("transient"), Once: true},
		Script{Match: MatchPrompt("flaky"), Result: &types.Result{OutputText: "recovered"}},
	)

	ctx := context.Background()
	req := &types.Request{Prompt: "flaky call"}
	_, err := m.Execute(ctx, req)
	require.Error(t, err)

	res, err := m.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.OutputText)
}

func TestMock_StreamsChunks(t *testing.T) {
	t.Parallel()

	m := NewMock(Script{
		Chunks: []string{"part one ", "part two"},
		Result: &types.Result{OutputText: "part one part two"},
	})

	var got []string
	req := &types.Request{
		Prompt:  "stream",
		OnChunk: func(s string) { got = append(got, s) },
	}
	res, err := m.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"part one ", "part two"}, got)
	assert.Equal(t, "part one part two", res.OutputText)
}

func TestMock_DelayHonorsContext(t *testing.T) {
	t.Parallel()

	m := NewMock(Script{Delay: 5 * time.Second, Result: &types.Result{}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Execute(ctx, &types.Request{Prompt: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMock_RecordsCalls(t *testing.T) {
	t.Parallel()

	m := NewMock()
	ctx := context.Background()
	_, err := m.Execute(ctx, &types.Request{Prompt: "one"})
	require.NoError(t, err)
	_, err = m.Execute(ctx, &types.Request{Prompt: "two"})
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].Prompt)
	assert.Equal(t, "two", calls[1].Prompt)
}

func TestRegistry_RegisterGetDefault(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Default()
	assert.Error(t, err)

	mock := NewMock()
	r.Register(mock)

	got, ok := r.Get("mock")
	require.True(t, ok)
	assert.Same(t, mock, got)

	assert.Error(t, r.SetDefault("missing"))
	require.NoError(t, r.SetDefault("mock"))
	def, err := r.Default()
	require.NoError(t, err)
	assert.Same(t, mock, def)

	assert.Equal(t, []string{"mock"}, r.List())
}
