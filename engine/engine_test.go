package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/backend"
	"github.com/evmts/smithers-go/compose"
	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/store"
	"github.com/evmts/smithers-go/types"
)

// The authoring layer satisfies the loop's program surface structurally.
var (
	_ Program       = (*compose.App)(nil)
	_ Named         = (*compose.App)(nil)
	_ Hydrator      = (*compose.App)(nil)
	_ StateBinder   = (*compose.App)(nil)
	_ TriggerRunner = (*compose.App)(nil)
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mockRegistry(t *testing.T, m *backend.Mock) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register(m)
	require.NoError(t, reg.SetDefault("mock"))
	return reg
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Store == nil {
		opts.Store = newTestStore(t)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestEngine_ConvergenceWithApprovalGate(t *testing.T) {
	mock := backend.NewMock(
		backend.Script{
			Match: backend.MatchPrompt("plan the release"),
			Result: &types.Result{
				OutputText: "the plan",
				Usage:      types.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			},
		},
		backend.Script{
			Match: backend.MatchPrompt("build the release"),
			Result: &types.Result{
				OutputText: "built",
				Usage:      types.TokenUsage{PromptTokens: 5, CompletionTokens: 20, TotalTokens: 25},
			},
		},
	)
	st := newTestStore(t)
	eng := newTestEngine(t, Options{
		Store:    st,
		Backends: mockRegistry(t, mock),
		Approval: ApproveFunc(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
			return ApprovalDecision{Approved: true, Feedback: "ship it"}, nil
		}),
	})

	app := compose.NewApp("release", func(s *compose.Scope) compose.Component {
		planned := compose.NewCell(s, "planned", false)
		built := compose.NewCell(s, "built", false)
		approved := compose.NewCell(s, "approved", false)
		return func(c *compose.Ctx) *plan.Element {
			if !planned.Get() {
				return compose.Workflow("release",
					compose.Agent("planner", "plan the release",
						compose.OnComplete(func(*types.Result) { planned.Set(true) })),
				)
			}
			if built.Get() && approved.Get() {
				return compose.Workflow("release", compose.End("release complete"))
			}
			return compose.Workflow("release",
				compose.Phase("build",
					compose.Agent("builder", "build the release",
						compose.OnComplete(func(*types.Result) { built.Set(true) })),
					compose.Human("gate", "approve the release?",
						compose.OnComplete(func(*types.Result) { approved.Set(true) })),
				),
			)
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	assert.True(t, out.Converged())
	assert.Equal(t, "release complete", out.OutputText())
	assert.Equal(t, 3, out.Frames)
	assert.Equal(t, 3, out.Dispatches)
	assert.Empty(t, out.NodeErrors)
	assert.Equal(t, 55, out.Usage.TotalTokens)

	ctx := context.Background()
	ex, err := st.Execution(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, ex.Status)
	assert.Equal(t, "release", ex.Program)
	assert.Equal(t, 3, ex.Frames)
	assert.Equal(t, 2, ex.AgentRuns)
	assert.Equal(t, int64(55), ex.TotalTokens)

	runs, err := st.AgentRuns(ctx, out.ExecutionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, store.ExecutionStatusCompleted, run.Status)
	}

	latest, err := st.LatestFrame(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Sequence)
	assert.Contains(t, latest.Tree, "<end")

	// Cell writes carry the node path that triggered them.
	history, err := st.StateHistory(ctx, out.ExecutionID, "planned")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Trigger, `claude[name="planner"]`)

	require.Equal(t, 2, mock.CallCount())
	first := mock.Calls()[0]
	assert.Equal(t, out.ExecutionID, first.ExecutionID)
	assert.Contains(t, first.NodePath, `claude[name="planner"]`)
	assert.Equal(t, DefaultModel, first.Model)
}

func TestEngine_StaticProgramConverges(t *testing.T) {
	mock := backend.NewMock()
	eng := newTestEngine(t, Options{Backends: mockRegistry(t, mock)})

	program := NewStaticProgram("oneshot",
		compose.Workflow("oneshot", compose.Agent("worker", "summarize the logs")))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	assert.Equal(t, 2, out.Frames)
	assert.Equal(t, 1, out.Dispatches)
	require.NotNil(t, out.Result)
	assert.Contains(t, out.Result.OutputText, "mock response")
	assert.Equal(t, 1, mock.CallCount())
}

func TestEngine_NestedAgentsWithGateConverge(t *testing.T) {
	mock := backend.NewMock(
		backend.Script{
			Match:  backend.MatchPrompt("draft the announcement"),
			Result: &types.Result{OutputText: "draft"},
		},
		backend.Script{
			Match:  backend.MatchPrompt("refine the draft"),
			Result: &types.Result{OutputText: "refined"},
		},
	)
	eng := newTestEngine(t, Options{
		Backends: mockRegistry(t, mock),
		Approval: ApproveFunc(func(_ context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
			return ApprovalDecision{Approved: true}, nil
		}),
	})

	// A sub-agent and a gate nested under the writer dispatch in the same
	// frame as their parent.
	writer := compose.Agent("writer", "draft the announcement")
	writer.Children = []*plan.Element{
		compose.Agent("editor", "refine the draft"),
		compose.Human("gate", "publish the draft?"),
	}
	program := NewStaticProgram("announce", compose.Workflow("announce", writer))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	assert.Equal(t, 2, out.Frames)
	assert.Equal(t, 3, out.Dispatches)
	assert.Equal(t, 2, mock.CallCount())
	require.NotNil(t, out.Result)
	assert.NotEmpty(t, out.Result.OutputText)
}

func TestEngine_NoDoubleDispatchAcrossFrames(t *testing.T) {
	mock := backend.NewMock()
	eng := newTestEngine(t, Options{Backends: mockRegistry(t, mock)})

	// The churn cell forces extra evaluation frames; the keyed worker
	// keeps its identity so its completed state must survive them.
	app := compose.NewApp("steady", func(s *compose.Scope) compose.Component {
		churn := compose.NewCell(s, "churn", 0)
		return func(c *compose.Ctx) *plan.Element {
			n := churn.Get()
			if n < 3 {
				churn.Set(n + 1)
			}
			return compose.Workflow("steady",
				compose.Agent("worker", "do the work", compose.Key("worker")),
				compose.Textf("churn %d", n),
			)
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	assert.Equal(t, 1, out.Dispatches)
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, 4, out.Frames)
}

func TestEngine_SiblingFailureIsolation(t *testing.T) {
	boom := errors.New("backend exploded")
	mock := backend.NewMock(
		backend.Script{Match: backend.MatchPrompt("good work"), Result: &types.Result{OutputText: "done"}},
		backend.Script{Match: backend.MatchPrompt("bad work"), Err: boom},
	)
	st := newTestStore(t)
	eng := newTestEngine(t, Options{Store: st, Backends: mockRegistry(t, mock)})

	program := NewStaticProgram("mixed",
		compose.Workflow("mixed",
			compose.Agent("good", "good work"),
			compose.Agent("bad", "bad work"),
		))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	require.Len(t, out.NodeErrors, 1)
	ee := out.NodeErrors[0]
	assert.Equal(t, "claude", ee.NodeType)
	assert.Equal(t, `smithers[name="mixed"] > claude[name="bad"]`, ee.NodePath)
	assert.Contains(t, ee.Message, "backend exploded")
	assert.ErrorIs(t, ee, boom)

	require.NotNil(t, out.Result)
	assert.Equal(t, "done", out.Result.OutputText)

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, ex.Status)

	runs, err := st.AgentRuns(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := map[store.ExecutionStatus]int{}
	for _, run := range runs {
		statuses[run.Status]++
	}
	assert.Equal(t, 1, statuses[store.ExecutionStatusCompleted])
	assert.Equal(t, 1, statuses[store.ExecutionStatusFailed])
}

func TestEngine_AllNodesFailedReportsRetries(t *testing.T) {
	mock := backend.NewMock(backend.Script{Err: errors.New("still broken")})
	st := newTestStore(t)
	eng := newTestEngine(t, Options{
		Store:    st,
		Backends: mockRegistry(t, mock),
		Middleware: []middleware.Middleware{
			middleware.Retry(middleware.RetryConfig{MaxAttempts: 3, Base: time.Millisecond}),
		},
	})

	program := NewStaticProgram("doomed",
		compose.Workflow("doomed", compose.Agent("worker", "attempt the work")))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "every node failed", out.Reason)
	require.Len(t, out.NodeErrors, 1)
	assert.Equal(t, 3, out.NodeErrors[0].Retries)
	assert.Equal(t, 3, mock.CallCount())

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusFailed, ex.Status)
	assert.Contains(t, ex.Error, "every node failed")
}

func TestEngine_FrameLimit(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, Options{Store: st, MaxFrames: 5})

	// Every evaluation dirties the cell again, so the tree never settles.
	app := compose.NewApp("spin", func(s *compose.Scope) compose.Component {
		n := compose.NewCell(s, "n", 0)
		return func(c *compose.Ctx) *plan.Element {
			v := n.Get()
			n.Set(v + 1)
			return compose.Workflow("spin", compose.Textf("tick %d", v))
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLimitExceeded, out.Kind)
	assert.Contains(t, out.Reason, "frame limit")
	assert.Equal(t, 6, out.Frames)
	assert.Zero(t, out.Dispatches)

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusFailed, ex.Status)
	assert.Contains(t, ex.Error, "frame limit")
}

func TestEngine_TokenBudget(t *testing.T) {
	mock := backend.NewMock(backend.Script{
		Result: &types.Result{
			OutputText: "ok",
			Usage:      types.TokenUsage{PromptTokens: 2, CompletionTokens: 8, TotalTokens: 10},
		},
	})
	eng := newTestEngine(t, Options{Backends: mockRegistry(t, mock), MaxTokens: 25})

	app := compose.NewApp("chain", func(s *compose.Scope) compose.Component {
		round := compose.NewCell(s, "round", 0)
		return func(c *compose.Ctx) *plan.Element {
			n := round.Get()
			// A fresh key per round makes each dispatch a new node.
			return compose.Workflow("chain",
				compose.Agent(fmt.Sprintf("worker-%d", n), fmt.Sprintf("work on round %d", n),
					compose.Key(fmt.Sprintf("worker-%d", n)),
					compose.OnComplete(func(*types.Result) { round.Set(n + 1) })),
			)
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLimitExceeded, out.Kind)
	assert.Contains(t, out.Reason, "token budget")
	assert.Equal(t, 3, out.Dispatches)
	assert.Equal(t, 30, out.Usage.TotalTokens)

	// Hitting the cap must not discard work that already finished.
	require.NotNil(t, out.Result)
	assert.Equal(t, "ok", out.Result.OutputText)
}

func TestEngine_StopNode(t *testing.T) {
	mock := backend.NewMock()
	st := newTestStore(t)
	eng := newTestEngine(t, Options{Store: st, Backends: mockRegistry(t, mock)})

	app := compose.NewApp("halting", func(s *compose.Scope) compose.Component {
		done := compose.NewCell(s, "done", false)
		return func(c *compose.Ctx) *plan.Element {
			if !done.Get() {
				return compose.Workflow("halting",
					compose.Agent("worker", "run the job",
						compose.OnComplete(func(*types.Result) { done.Set(true) })),
				)
			}
			return compose.Workflow("halting", compose.Stop("manual halt"))
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, out.Kind)
	assert.Equal(t, "manual halt", out.Reason)
	assert.Equal(t, 2, out.Frames)
	assert.Equal(t, 1, out.Dispatches)
	require.NotNil(t, out.Result)
	assert.Contains(t, out.Result.OutputText, "run the job")

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCancelled, ex.Status)
}

func TestEngine_RequestStop(t *testing.T) {
	st := newTestStore(t)
	var eng *Engine
	eng = newTestEngine(t, Options{
		Store: st,
		Approval: ApproveFunc(func(_ context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
			eng.RequestStop()
			return ApprovalDecision{Approved: true}, nil
		}),
	})

	program := NewStaticProgram("gated",
		compose.Workflow("gated", compose.Human("gate", "carry on?")))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, out.Kind)
	assert.Equal(t, "stop requested", out.Reason)
	assert.Equal(t, 1, out.Dispatches)
	assert.Empty(t, out.NodeErrors)
}

func TestEngine_ContextCancellation(t *testing.T) {
	mock := backend.NewMock(backend.Script{Delay: 5 * time.Second})
	st := newTestStore(t)
	eng := newTestEngine(t, Options{Store: st, Backends: mockRegistry(t, mock)})

	program := NewStaticProgram("slow",
		compose.Workflow("slow", compose.Agent("worker", "take forever")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := eng.Run(ctx, program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, out.NodeErrors, 1)

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCancelled, ex.Status)
}

func TestEngine_HumanRejection(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, Options{
		Store: st,
		Approval: ApproveFunc(func(_ context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
			return ApprovalDecision{Approved: false, Feedback: "not safe"}, nil
		}),
	})

	program := NewStaticProgram("gated",
		compose.Workflow("gated", compose.Human("gate", "deploy to prod?")))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, out.Kind)
	require.Len(t, out.NodeErrors, 1)
	assert.ErrorIs(t, out.NodeErrors[0], ErrRejected)
	assert.Contains(t, out.NodeErrors[0].Message, "not safe")

	ex, err := st.Execution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusFailed, ex.Status)
}

func TestEngine_ResumeContinuesExecution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// Seed an interrupted execution with one persisted frame and a cell
	// write that never made it past the planning phase.
	seed := &store.Execution{ID: "exec-resume", Program: "pipeline"}
	require.NoError(t, st.CreateExecution(ctx, seed))
	require.NoError(t, st.MarkRunning(ctx, seed.ID))
	require.NoError(t, st.SetState(ctx, seed.ID, "phase", json.RawMessage(`"deploy"`), `claude[name="planner"]`))
	require.NoError(t, st.SaveFrame(ctx, seed.ID, 1, `<smithers name="pipeline" />`))

	eng := newTestEngine(t, Options{Store: st})

	app := compose.NewApp("pipeline", func(s *compose.Scope) compose.Component {
		phase := compose.NewCell(s, "phase", "plan")
		return func(c *compose.Ctx) *plan.Element {
			if phase.Get() == "deploy" {
				return compose.Workflow("pipeline", compose.End("deployed"))
			}
			return compose.Workflow("pipeline", compose.Agent("planner", "plan it"))
		}
	})

	out, err := eng.Resume(ctx, app, "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, out.Kind)
	assert.Equal(t, "exec-resume", out.ExecutionID)
	assert.Equal(t, "deployed", out.OutputText())
	assert.Equal(t, 1, out.Frames)
	assert.Zero(t, out.Dispatches)

	latest, err := st.LatestFrame(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Sequence)

	ex, err := st.Execution(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCompleted, ex.Status)
}

func TestEngine_ResumeRejectsTerminalExecution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	seed := &store.Execution{ID: "exec-done", Program: "pipeline"}
	require.NoError(t, st.CreateExecution(ctx, seed))
	require.NoError(t, st.FinishExecution(ctx, seed.ID, store.ExecutionStatusCompleted, ""))

	eng := newTestEngine(t, Options{Store: st})
	program := NewStaticProgram("pipeline", compose.Workflow("pipeline"))

	_, err := eng.Resume(ctx, program, seed.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestEngine_ResumeWithoutIncomplete(t *testing.T) {
	eng := newTestEngine(t, Options{})
	program := NewStaticProgram("pipeline", compose.Workflow("pipeline"))

	_, err := eng.Resume(context.Background(), program, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_EvaluationPanicIsFatal(t *testing.T) {
	st := newTestStore(t)
	var executionID string
	eng := newTestEngine(t, Options{
		Store: st,
		Events: SinkFunc(func(ev Event) {
			if executionID == "" {
				executionID = ev.ExecutionID
			}
		}),
	})

	app := compose.NewApp("broken", func(s *compose.Scope) compose.Component {
		return func(c *compose.Ctx) *plan.Element {
			panic("bad component")
		}
	})

	out, err := eng.Run(context.Background(), app)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, types.ErrProgram, types.GetErrorCode(err))

	require.NotEmpty(t, executionID)
	ex, lookupErr := st.Execution(context.Background(), executionID)
	require.NoError(t, lookupErr)
	assert.Equal(t, store.ExecutionStatusFailed, ex.Status)
	assert.Contains(t, ex.Error, "panicked")
}

func TestEngine_EventsPublished(t *testing.T) {
	mock := backend.NewMock()
	var events []Event
	eng := newTestEngine(t, Options{
		Backends: mockRegistry(t, mock),
		Events:   SinkFunc(func(ev Event) { events = append(events, ev) }),
	})

	program := NewStaticProgram("observed",
		compose.Workflow("observed", compose.Agent("worker", "observe me")))

	out, err := eng.Run(context.Background(), program)
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, out.Kind)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []EventKind{
		EventFrameCaptured,
		EventNodeStateChanged,
		EventNodeStateChanged,
		EventFrameCaptured,
		EventExecutionFinished,
	}, kinds)

	assert.Equal(t, 1, events[0].Sequence)
	assert.Contains(t, events[0].Tree, "<claude")
	assert.Equal(t, string(plan.StatusRunning), events[1].Status)
	assert.Equal(t, string(plan.StatusComplete), events[2].Status)
	assert.Equal(t, string(store.ExecutionStatusCompleted), events[4].Status)
	for _, ev := range events {
		assert.Equal(t, out.ExecutionID, ev.ExecutionID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}
