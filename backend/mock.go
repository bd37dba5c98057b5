package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/evmts/smithers-go/types"
)

// Script is one scripted response for the Mock adapter. The first script
// whose Match accepts the request wins; a nil Match accepts every request.
type Script struct {
	Match func(req *types.Request) bool
	// Result is returned (cloned) on a match. Err takes precedence.
	Result *types.Result
	Err    error
	// Delay sleeps before responding, honoring ctx cancellation.
	Delay time.Duration
	// Chunks stream through the request's chunk callback before returning.
	Chunks []string
	// Once consumes the script after its first use.
	Once bool
}

// MatchPrompt matches requests whose prompt contains substr.
func MatchPrompt(substr string) func(*types.Request) bool {
	return func(req *types.Request) bool { return strings.Contains(req.Prompt, substr) }
}

// MatchModel matches requests for the exact model.
func MatchModel(model string) func(*types.Request) bool {
	return func(req *types.Request) bool { return req.Model == model }
}

// MatchPath matches requests whose node path contains substr.
func MatchPath(substr string) func(*types.Request) bool {
	return func(req *types.Request) bool { return strings.Contains(req.NodePath, substr) }
}

// Mock is a scripted in-memory Adapter. Unmatched requests get a
// deterministic echo result so convergence tests need no scripting at all.
type Mock struct {
	mu      sync.Mutex
	scripts []Script
	calls   []*types.Request
	used    map[int]bool
}

// NewMock builds a mock adapter with the given scripts.
func NewMock(scripts ...Script) *Mock {
	return &Mock{scripts: scripts, used: make(map[int]bool)}
}

// Name implements Adapter.
func (m *Mock) Name() string { return "mock" }

// Script appends another script at runtime.
func (m *Mock) Script(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Calls returns a copy of every request the mock has seen, in order.
func (m *Mock) Calls() []*types.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Request(nil), m.calls...)
}

// CallCount reports how many requests the mock has seen.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Execute implements Adapter.
func (m *Mock) Execute(ctx context.Context, req *types.Request) (*types.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Clone())
	script, matched := m.takeScript(req)
	m.mu.Unlock()

	if matched && script.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(script.Delay):
		}
	}
	if matched {
		for _, chunk := range script.Chunks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			req.EmitChunk(chunk)
		}
		if script.Err != nil {
			return nil, script.Err
		}
		if script.Result != nil {
			return m.finish(req, script.Result.Clone()), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.finish(req, &types.Result{
		OutputText: "mock response for: " + req.Prompt,
		Usage: types.TokenUsage{
			PromptTokens:     (len(req.Prompt) + 3) / 4,
			CompletionTokens: 8,
		},
	}), nil
}

// takeScript finds the first live matching script. Caller holds m.mu.
func (m *Mock) takeScript(req *types.Request) (Script, bool) {
	for i, s := range m.scripts {
		if s.Once && m.used[i] {
			continue
		}
		if s.Match == nil || s.Match(req) {
			if s.Once {
				m.used[i] = true
			}
			return s, true
		}
	}
	return Script{}, false
}

// finish fills in the fields every real backend would set.
func (m *Mock) finish(req *types.Request, res *types.Result) *types.Result {
	if res.Model == "" {
		res.Model = req.Model
	}
	if res.StopReason == "" {
		res.StopReason = types.StopEndTurn
	}
	if res.Usage.TotalTokens == 0 {
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	if res.TurnsUsed == 0 {
		res.TurnsUsed = 1
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	return res
}
