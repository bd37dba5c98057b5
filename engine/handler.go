package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/store"
	"github.com/evmts/smithers-go/types"
)

// NodeHandler executes one node. The engine flips the node to running
// before calling the handler and applies the returned result or error
// after every handler of the frame has finished.
type NodeHandler func(ctx context.Context, run *NodeRun) (*types.Result, error)

// NodeRun is the immutable dispatch record for one node. It is built on
// the loop goroutine before handlers start, so handlers never touch the
// live tree.
type NodeRun struct {
	ExecutionID string
	ID          plan.NodeID
	Type        string
	Name        string
	Path        string

	// Request is populated for agent nodes.
	Request *types.Request

	// Prompt is populated for human nodes.
	Prompt string
}

// ErrRejected reports a human gate that declined the work.
var ErrRejected = errors.New("approval rejected")

// ApprovalRequest is what a human node asks the approval provider.
type ApprovalRequest struct {
	ExecutionID string `json:"execution_id"`
	NodePath    string `json:"node_path"`
	Name        string `json:"name,omitempty"`
	Prompt      string `json:"prompt"`
}

// ApprovalDecision is the provider's answer. Feedback becomes the node's
// output text on approval and the rejection detail otherwise.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// ApprovalProvider answers human gates. Await blocks until a decision
// arrives or ctx is cancelled.
type ApprovalProvider interface {
	Await(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApproveFunc adapts a function to the ApprovalProvider interface.
type ApproveFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// Await implements ApprovalProvider.
func (f ApproveFunc) Await(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// AutoApprove approves every gate without feedback. It is the engine's
// default provider.
func AutoApprove() ApprovalProvider {
	return ApproveFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
		return ApprovalDecision{Approved: true}, nil
	})
}

func (e *Engine) buildNodeRun(executionID string, tree *plan.Tree, id plan.NodeID) *NodeRun {
	run := &NodeRun{
		ExecutionID: executionID,
		ID:          id,
		Type:        tree.Type(id),
		Name:        tree.PropString(id, "name"),
		Path:        NodePath(tree, id),
	}
	switch run.Type {
	case plan.TagClaude:
		run.Request = e.buildRequest(executionID, tree, id, run)
	case plan.TagHuman:
		run.Prompt = tree.PropString(id, "prompt")
	}
	return run
}

// buildRequest assembles the backend request from the node's props and
// the engine's ambient defaults. Child elements serialize into the
// prompt after the prompt prop, so nested plan fragments become agent
// instructions.
func (e *Engine) buildRequest(executionID string, tree *plan.Tree, id plan.NodeID, run *NodeRun) *types.Request {
	req := &types.Request{
		ExecutionID:  executionID,
		NodePath:     run.Path,
		Model:        tree.PropString(id, "model"),
		SystemPrompt: tree.PropString(id, "systemPrompt"),
		Prompt:       nodePrompt(tree, id),
		Tools:        toolsProp(tree, id),
		OutputSchema: schemaProp(tree, id),
		MaxTurns:     intProp(tree, id, "maxTurns"),
		WorkingDir:   tree.PropString(id, "workingDir"),
	}
	if req.Model == "" {
		req.Model = e.defaultModel
	}
	if req.WorkingDir == "" {
		req.WorkingDir = e.workingDir
	}
	if run.Name != "" {
		req.Metadata = map[string]string{"name": run.Name}
	}
	return req
}

func nodePrompt(tree *plan.Tree, id plan.NodeID) string {
	parts := make([]string, 0, 1+tree.ChildCount(id))
	if p := tree.PropString(id, "prompt"); p != "" {
		parts = append(parts, p)
	}
	for _, c := range tree.Children(id) {
		if s := plan.Serialize(tree, c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func intProp(tree *plan.Tree, id plan.NodeID, key string) int {
	v, ok := tree.Prop(id, key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toolsProp(tree *plan.Tree, id plan.NodeID) []string {
	v, ok := tree.Prop(id, "tools")
	if !ok {
		return nil
	}
	switch tv := v.(type) {
	case []string:
		return append([]string(nil), tv...)
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{tv}
	}
	return nil
}

func schemaProp(tree *plan.Tree, id plan.NodeID) json.RawMessage {
	v, ok := tree.Prop(id, "outputSchema")
	if !ok {
		return nil
	}
	switch sv := v.(type) {
	case json.RawMessage:
		return sv
	case []byte:
		return json.RawMessage(sv)
	case string:
		return json.RawMessage(sv)
	}
	return nil
}

// runAgentNode dispatches the node to the default backend adapter
// through the middleware pipeline, recording an AgentRun row when the
// store keeps them.
func (e *Engine) runAgentNode(ctx context.Context, run *NodeRun) (*types.Result, error) {
	if e.registry == nil {
		return nil, types.NewError(types.ErrBackend, "no backend registry configured")
	}
	adapter, err := e.registry.Default()
	if err != nil {
		return nil, types.NewError(types.ErrBackend, "no default backend").WithCause(err)
	}

	runID := e.beginAgentRun(ctx, run)
	pipeline := middleware.NewPipeline(adapter.Execute, e.logger, e.mw)
	res, execErr := pipeline.Execute(ctx, run.Request)
	e.finishAgentRun(ctx, runID, res, execErr)
	return res, execErr
}

func (e *Engine) beginAgentRun(ctx context.Context, run *NodeRun) string {
	if e.runs == nil {
		return ""
	}
	rec := &store.AgentRun{
		ID:          uuid.New().String(),
		ExecutionID: run.ExecutionID,
		NodePath:    run.Path,
		Name:        run.Name,
		Model:       run.Request.Model,
		Status:      store.ExecutionStatusRunning,
		Prompt:      run.Request.Prompt,
		StartedAt:   time.Now(),
	}
	if err := e.runs.CreateAgentRun(ctx, rec); err != nil {
		e.logger.Warn("failed to record agent run",
			zap.String("node_path", run.Path),
			zap.Error(err),
		)
		return ""
	}
	return rec.ID
}

func (e *Engine) finishAgentRun(ctx context.Context, runID string, res *types.Result, runErr error) {
	if runID == "" {
		return
	}
	// The row should land even when the run context was cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.FinishAgentRun(ctx, runID, res, runErr); err != nil {
		e.logger.Warn("failed to finish agent run",
			zap.String("agent_run_id", runID),
			zap.Error(err),
		)
	}
}

// runHumanNode blocks on the approval provider and turns the decision
// into a result or a rejection error.
func (e *Engine) runHumanNode(ctx context.Context, run *NodeRun) (*types.Result, error) {
	decision, err := e.approval.Await(ctx, ApprovalRequest{
		ExecutionID: run.ExecutionID,
		NodePath:    run.Path,
		Name:        run.Name,
		Prompt:      run.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Approved {
		if decision.Feedback != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, decision.Feedback)
		}
		return nil, ErrRejected
	}

	output := decision.Feedback
	if output == "" {
		output = "approved"
	}
	return &types.Result{
		OutputText: output,
		StopReason: types.StopEndTurn,
		CreatedAt:  time.Now(),
	}, nil
}
