package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/backend"
	"github.com/evmts/smithers-go/internal/metrics"
	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/reconcile"
	"github.com/evmts/smithers-go/store"
	"github.com/evmts/smithers-go/types"
)

const (
	// DefaultMaxFrames bounds runaway programs that never converge.
	DefaultMaxFrames = 100

	// DefaultModel is used when an agent node declares none.
	DefaultModel = "sonnet"

	defaultWriterQueue = 256
)

// Store is the slice of the persistence surface the engine drives. Both
// the relational store and the Mongo store satisfy it.
type Store interface {
	CreateExecution(ctx context.Context, ex *store.Execution) error
	Execution(ctx context.Context, id string) (*store.Execution, error)
	MarkRunning(ctx context.Context, id string) error
	FinishExecution(ctx context.Context, id string, status store.ExecutionStatus, errMsg string) error
	FindMostRecentIncomplete(ctx context.Context) (*store.Execution, error)
	ReplayHistory(ctx context.Context, executionID string) (map[string]json.RawMessage, error)
	NextFrameSequence(ctx context.Context, executionID string) (int, error)
	SaveFrame(ctx context.Context, executionID string, sequence int, tree string) error
	SetState(ctx context.Context, executionID, key string, value json.RawMessage, trigger string) error
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*store.MongoStore)(nil)
)

// runRecorder is probed on the store; AgentRun rows are kept only when
// the backing store supports them.
type runRecorder interface {
	CreateAgentRun(ctx context.Context, run *store.AgentRun) error
	FinishAgentRun(ctx context.Context, runID string, result *types.Result, runErr error) error
}

// Options configures an Engine.
type Options struct {
	// Store is required.
	Store Store

	// Writer persists frames and state cells asynchronously. When nil the
	// engine creates one over Store and owns its lifecycle.
	Writer *store.Writer

	// Backends supplies the adapter for agent nodes. Agent dispatch fails
	// per node when nil or when no default adapter is set.
	Backends *backend.Registry

	// Middleware wraps every agent dispatch, composed once in order.
	Middleware []middleware.Middleware

	// Approval answers human gates. Defaults to AutoApprove.
	Approval ApprovalProvider

	// Events receives engine events. Optional.
	Events Sink

	// Metrics records frame and dispatch metrics. Optional.
	Metrics *metrics.Collector

	Logger *zap.Logger

	// MaxFrames caps loop iterations per run. Non-positive means
	// DefaultMaxFrames.
	MaxFrames int

	// MaxDuration caps wall-clock time per run. Zero means no cap.
	MaxDuration time.Duration

	// MaxTokens caps total token usage per run. Zero means no cap.
	MaxTokens int64

	// WorkingDir is the default working directory for agent nodes.
	WorkingDir string

	// DefaultModel is used when an agent node declares none.
	DefaultModel string
}

// Engine drives programs to convergence. One Engine runs one execution
// at a time; create more engines for parallel executions.
type Engine struct {
	store    Store
	runs     runRecorder
	writer   *store.Writer
	ownWrite bool

	registry *backend.Registry
	mw       middleware.Middleware
	approval ApprovalProvider
	handlers map[string]NodeHandler

	events  Sink
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	maxFrames    int
	maxDuration  time.Duration
	maxTokens    int64
	workingDir   string
	defaultModel string

	halt atomic.Bool
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:        opts.Store,
		writer:       opts.Writer,
		registry:     opts.Backends,
		mw:           middleware.Compose(opts.Middleware...),
		approval:     opts.Approval,
		events:       opts.Events,
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("smithers/engine"),
		logger:       logger.With(zap.String("component", "engine")),
		maxFrames:    opts.MaxFrames,
		maxDuration:  opts.MaxDuration,
		maxTokens:    opts.MaxTokens,
		workingDir:   opts.WorkingDir,
		defaultModel: opts.DefaultModel,
	}
	if rr, ok := opts.Store.(runRecorder); ok {
		e.runs = rr
	}
	if e.writer == nil {
		e.writer = store.NewWriter(opts.Store, defaultWriterQueue, logger)
		e.ownWrite = true
	}
	if e.approval == nil {
		e.approval = AutoApprove()
	}
	if e.maxFrames <= 0 {
		e.maxFrames = DefaultMaxFrames
	}
	if e.defaultModel == "" {
		e.defaultModel = DefaultModel
	}

	e.handlers = map[string]NodeHandler{
		plan.TagClaude: e.runAgentNode,
		plan.TagHuman:  e.runHumanNode,
	}
	return e, nil
}

// Close releases resources the engine owns. It does not close the store.
func (e *Engine) Close() error {
	if e.ownWrite {
		return e.writer.Close()
	}
	return nil
}

// RequestStop asks the current run to stop at the next frame boundary.
// The run finishes with OutcomeStopped.
func (e *Engine) RequestStop() {
	e.halt.Store(true)
}

// Run creates a fresh execution record and drives program to an outcome.
// Per-node failures and cap overruns are outcomes, not errors; the error
// return reports loop-breaking conditions only.
func (e *Engine) Run(ctx context.Context, program Program) (*Outcome, error) {
	if program == nil {
		return nil, errors.New("program is required")
	}

	name := "program"
	if n, ok := program.(Named); ok && n.Name() != "" {
		name = n.Name()
	}
	ex := &store.Execution{
		ID:      uuid.New().String(),
		Program: name,
		Status:  store.ExecutionStatusPending,
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.logger.Info("starting execution",
		zap.String("execution_id", ex.ID),
		zap.String("program", name),
	)
	return e.drive(ctx, program, ex, 1)
}

// Resume continues an incomplete execution: the named one, or the most
// recent incomplete one when executionID is empty. Program state is
// rehydrated from the persisted transition history and the frame
// sequence continues where it left off.
func (e *Engine) Resume(ctx context.Context, program Program, executionID string) (*Outcome, error) {
	if program == nil {
		return nil, errors.New("program is required")
	}

	var (
		ex  *store.Execution
		err error
	)
	if executionID == "" {
		ex, err = e.store.FindMostRecentIncomplete(ctx)
	} else {
		ex, err = e.store.Execution(ctx, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate execution: %w", err)
	}
	if ex.Status.IsTerminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", ex.ID, ex.Status, store.ErrAlreadyTerminal)
	}

	if h, ok := program.(Hydrator); ok {
		snapshot, err := e.store.ReplayHistory(ctx, ex.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to replay state history: %w", err)
		}
		if len(snapshot) > 0 {
			if err := h.Hydrate(snapshot); err != nil {
				return nil, fmt.Errorf("failed to hydrate program: %w", err)
			}
		}
	}

	seq, err := e.store.NextFrameSequence(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame sequence: %w", err)
	}

	e.logger.Info("resuming execution",
		zap.String("execution_id", ex.ID),
		zap.String("program", ex.Program),
		zap.Int("next_sequence", seq),
	)
	return e.drive(ctx, program, ex, seq)
}

func (e *Engine) drive(ctx context.Context, program Program, ex *store.Execution, startSeq int) (*Outcome, error) {
	if b, ok := program.(StateBinder); ok {
		executionID := ex.ID
		b.BindState(func(key string, value json.RawMessage, trigger string) {
			e.writer.SetState(executionID, key, value, trigger)
			e.metrics.ObserveStateWrite()
		})
	}

	if err := e.store.MarkRunning(ctx, ex.ID); err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}
	e.halt.Store(false)

	out, err := e.loop(ctx, program, ex, startSeq)
	if err != nil {
		e.finishWith(ex.ID, store.ExecutionStatusFailed, err.Error())
		return nil, err
	}

	e.finish(ex.ID, out)
	return out, nil
}

func (e *Engine) loop(ctx context.Context, program Program, ex *store.Execution, startSeq int) (*Outcome, error) {
	tree := plan.NewTree()
	root := tree.CreateElement(plan.TagFragment, "", nil)
	rec := reconcile.New(tree, e.logger)

	out := &Outcome{ExecutionID: ex.ID}
	start := time.Now()
	seq := startSeq
	evalNeeded := true
	var lastResult *types.Result
	var deadline time.Time
	if e.maxDuration > 0 {
		deadline = start.Add(e.maxDuration)
	}

	for {
		frameStart := time.Now()

		if err := ctx.Err(); err != nil {
			out.Kind = OutcomeCancelled
			out.Reason = err.Error()
			break
		}

		if evalNeeded || program.Stale() {
			el, err := e.safeEvaluate(program)
			if err != nil {
				return nil, err
			}
			rec.Reconcile(root, el)
			evalNeeded = false
		}

		snapshot := plan.Serialize(tree, root)
		e.writer.SaveFrame(ex.ID, seq, snapshot)
		e.publish(Event{
			Kind:        EventFrameCaptured,
			ExecutionID: ex.ID,
			Sequence:    seq,
			Tree:        snapshot,
		})
		e.metrics.ObserveFrame(time.Since(frameStart))
		seq++
		out.Frames++

		if reason, stopped := e.stopSignal(tree, root); stopped {
			out.Kind = OutcomeStopped
			out.Reason = reason
			break
		}

		pending := scanPending(tree, root)

		if len(pending) == 0 && !program.Stale() {
			e.resolveConverged(tree, root, out, lastResult)
			break
		}

		if reason, exceeded := e.limitExceeded(out, deadline); exceeded {
			out.Kind = OutcomeLimitExceeded
			out.Reason = reason
			break
		}

		if len(pending) > 0 {
			if res := e.dispatchAll(ctx, program, ex.ID, tree, pending, out); res != nil {
				lastResult = res
			}
			out.Dispatches += len(pending)
			evalNeeded = true
		}
	}

	// Interrupted outcomes still carry whatever completed before the
	// break; resolveConverged may have designated a terminal result.
	if out.Result == nil {
		out.Result = lastResult
	}
	out.Duration = time.Since(start)
	return out, nil
}

func (e *Engine) safeEvaluate(program Program) (el *plan.Element, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("program evaluation panicked", zap.Any("panic", r))
			err = types.NewError(types.ErrProgram,
				fmt.Sprintf("program evaluation panicked: %v", r))
		}
	}()
	return program.Evaluate(), nil
}

func scanPending(tree *plan.Tree, root plan.NodeID) []plan.NodeID {
	var pending []plan.NodeID
	tree.Walk(root, func(id plan.NodeID) bool {
		if st := tree.State(id); st != nil && st.Status == plan.StatusPending {
			pending = append(pending, id)
		}
		return true
	})
	return pending
}

func (e *Engine) stopSignal(tree *plan.Tree, root plan.NodeID) (string, bool) {
	if e.halt.Load() {
		return "stop requested", true
	}
	reason, found := "", false
	tree.Walk(root, func(id plan.NodeID) bool {
		if tree.Type(id) != plan.TagStop {
			return true
		}
		found = true
		reason = tree.PropString(id, "reason")
		return false
	})
	if found && reason == "" {
		reason = "stop node reached"
	}
	return reason, found
}

func (e *Engine) limitExceeded(out *Outcome, deadline time.Time) (string, bool) {
	if out.Frames > e.maxFrames {
		return fmt.Sprintf("frame limit reached (%d)", e.maxFrames), true
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return fmt.Sprintf("wall clock limit reached (%s)", e.maxDuration), true
	}
	if e.maxTokens > 0 && int64(out.Usage.TotalTokens) >= e.maxTokens {
		return fmt.Sprintf("token budget exhausted (%d)", e.maxTokens), true
	}
	return "", false
}

// resolveConverged fills the outcome for a settled tree: the designated
// terminal node's result when present, else the last completed result.
// A tree whose every executable node errored is a failure.
func (e *Engine) resolveConverged(tree *plan.Tree, root plan.NodeID, out *Outcome, last *types.Result) {
	total, errored := 0, 0
	endNode := plan.InvalidNode
	tree.Walk(root, func(id plan.NodeID) bool {
		if endNode == plan.InvalidNode && plan.TerminalTag(tree.Type(id)) {
			endNode = id
		}
		if st := tree.State(id); st != nil {
			total++
			if st.Status == plan.StatusError {
				errored++
			}
		}
		return true
	})

	if total > 0 && errored == total {
		out.Kind = OutcomeFailed
		out.Reason = "every node failed"
		return
	}

	out.Kind = OutcomeConverged
	if endNode != plan.InvalidNode {
		summary := tree.PropString(endNode, "summary")
		if summary == "" {
			summary = tree.PropString(endNode, "reason")
		}
		out.Result = &types.Result{OutputText: summary, StopReason: types.StopEndTurn}
		return
	}
	out.Result = last
}

type dispatchResult struct {
	res *types.Result
	err error
}

// dispatchAll flips every pending node to running, builds the dispatch
// records on the loop goroutine, runs handlers concurrently, then
// applies results, events, and callbacks back on the loop goroutine.
// It returns the last successful result in document order.
func (e *Engine) dispatchAll(ctx context.Context, program Program, executionID string, tree *plan.Tree, pending []plan.NodeID, out *Outcome) *types.Result {
	runs := make([]*NodeRun, len(pending))
	for i, id := range pending {
		tree.State(id).Status = plan.StatusRunning
		runs[i] = e.buildNodeRun(executionID, tree, id)
		e.publish(Event{
			Kind:        EventNodeStateChanged,
			ExecutionID: executionID,
			NodePath:    runs[i].Path,
			NodeType:    runs[i].Type,
			Status:      string(plan.StatusRunning),
		})
	}

	results := make([]dispatchResult, len(runs))
	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run *NodeRun) {
			defer wg.Done()
			results[i] = e.dispatch(ctx, run)
		}(i, run)
	}
	wg.Wait()

	var last *types.Result
	for i, run := range runs {
		st := tree.State(run.ID)
		r := results[i]
		if r.err != nil {
			st.Status = plan.StatusError
			st.Err = r.err
			ee := e.captureError(run, r.err)
			out.NodeErrors = append(out.NodeErrors, ee)
			e.logger.Warn("node dispatch failed",
				zap.String("node_path", run.Path),
				zap.Error(r.err),
			)
			e.publish(Event{
				Kind:        EventNodeStateChanged,
				ExecutionID: executionID,
				NodePath:    run.Path,
				NodeType:    run.Type,
				Status:      string(plan.StatusError),
				Error:       r.err.Error(),
			})
			if fn, ok := tree.Prop(run.ID, "onError"); ok {
				if cb, ok := fn.(func(error)); ok {
					e.runTrigger(program, run.Path, func() { cb(r.err) })
				}
			}
			continue
		}

		st.Status = plan.StatusComplete
		st.Result = r.res
		last = r.res
		if r.res != nil {
			out.Usage.Add(r.res.Usage)
			e.metrics.AddUsage(r.res.Usage.PromptTokens, r.res.Usage.CompletionTokens, r.res.Usage.Cost)
		}
		e.publish(Event{
			Kind:        EventNodeStateChanged,
			ExecutionID: executionID,
			NodePath:    run.Path,
			NodeType:    run.Type,
			Status:      string(plan.StatusComplete),
		})
		if fn, ok := tree.Prop(run.ID, "onComplete"); ok {
			if cb, ok := fn.(func(*types.Result)); ok {
				e.runTrigger(program, run.Path, func() { cb(r.res) })
			}
		}
	}
	return last
}

func (e *Engine) dispatch(ctx context.Context, run *NodeRun) (out dispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node handler panicked",
				zap.String("node_path", run.Path),
				zap.Any("panic", r),
			)
			out = dispatchResult{err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()

	handler, ok := e.handlers[run.Type]
	if !ok {
		return dispatchResult{err: types.NewError(types.ErrNoHandler,
			fmt.Sprintf("no handler for node type %q", run.Type))}
	}

	ctx, span := e.tracer.Start(ctx, "engine.dispatch",
		trace.WithAttributes(
			attribute.String("execution.id", run.ExecutionID),
			attribute.String("node.type", run.Type),
			attribute.String("node.path", run.Path),
		))
	defer span.End()

	start := time.Now()
	res, err := handler(ctx, run)
	status := "complete"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.ObserveDispatch(run.Type, status, time.Since(start))
	return dispatchResult{res: res, err: err}
}

func (e *Engine) runTrigger(program Program, trigger string, fn func()) {
	if tr, ok := program.(TriggerRunner); ok {
		tr.WithTrigger(trigger, fn)
		return
	}
	fn()
}

// finish maps the outcome onto the execution's terminal status.
func (e *Engine) finish(executionID string, out *Outcome) {
	var status store.ExecutionStatus
	var errMsg string
	switch out.Kind {
	case OutcomeConverged:
		status = store.ExecutionStatusCompleted
	case OutcomeFailed, OutcomeLimitExceeded:
		status = store.ExecutionStatusFailed
		errMsg = out.Reason
	case OutcomeStopped, OutcomeCancelled:
		status = store.ExecutionStatusCancelled
		errMsg = out.Reason
	default:
		status = store.ExecutionStatusFailed
		errMsg = fmt.Sprintf("unknown outcome kind %q", out.Kind)
	}
	e.finishWith(executionID, status, errMsg)
}

// finishWith flushes pending writes and records the terminal status. It
// runs on a background context so a cancelled run still lands its final
// state.
func (e *Engine) finishWith(executionID string, status store.ExecutionStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.writer.Flush(ctx); err != nil {
		e.logger.Warn("failed to flush writer", zap.Error(err))
	}
	err := e.store.FinishExecution(ctx, executionID, status, errMsg)
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		e.logger.Warn("failed to finish execution",
			zap.String("execution_id", executionID),
			zap.Error(err),
		)
	}

	e.metrics.ObserveExecutionFinished(string(status))
	e.publish(Event{
		Kind:        EventExecutionFinished,
		ExecutionID: executionID,
		Status:      string(status),
		Error:       errMsg,
	})
	e.logger.Info("execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", string(status)),
	)
}
