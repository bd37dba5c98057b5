package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/compose"
	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/types"
)

// mountElement materializes el under a fragment container, the way the
// loop mounts a program root.
func mountElement(t *testing.T, el *plan.Element) (*plan.Tree, plan.NodeID) {
	t.Helper()
	tree := plan.NewTree()
	root := tree.CreateElement(plan.TagFragment, "", nil)
	tree.Append(root, tree.Materialize(el))
	return tree, root
}

func findNode(t *testing.T, tree *plan.Tree, root plan.NodeID, tag string) plan.NodeID {
	t.Helper()
	found := plan.InvalidNode
	tree.Walk(root, func(id plan.NodeID) bool {
		if tree.Type(id) == tag {
			found = id
			return false
		}
		return true
	})
	require.NotEqual(t, plan.InvalidNode, found, "no %s node in tree", tag)
	return found
}

func TestNodePath(t *testing.T) {
	tree, root := mountElement(t, compose.Workflow("release",
		compose.Phase("build",
			compose.Agent("w", "do the work"),
		),
	))

	claude := findNode(t, tree, root, plan.TagClaude)
	assert.Equal(t,
		`smithers[name="release"] > phase[name="build"] > claude[name="w"]`,
		NodePath(tree, claude),
	)

	// The fragment container contributes no segment.
	smithers := findNode(t, tree, root, plan.TagSmithers)
	assert.Equal(t, `smithers[name="release"]`, NodePath(tree, smithers))
}

func TestNodePath_UnnamedNodes(t *testing.T) {
	tree, root := mountElement(t, compose.Workflow("run", compose.End("done")))

	end := findNode(t, tree, root, plan.TagEnd)
	assert.Equal(t, `smithers[name="run"] > end`, NodePath(tree, end))
}

func TestBuildNodeRun_AgentProps(t *testing.T) {
	eng := newTestEngine(t, Options{WorkingDir: "/srv/default"})

	el := plan.El(plan.TagClaude, plan.P(
		"name", "writer",
		"prompt", "write the summary",
		"model", "opus",
		"systemPrompt", "be brief",
		"tools", []string{"Read", "Grep"},
		"maxTurns", 7,
		"outputSchema", json.RawMessage(`{"type":"object"}`),
		"workingDir", "/srv/docs",
	), plan.Text("cover the latest release"))
	tree, root := mountElement(t, el)
	claude := findNode(t, tree, root, plan.TagClaude)

	run := eng.buildNodeRun("exec-1", tree, claude)
	assert.Equal(t, plan.TagClaude, run.Type)
	assert.Equal(t, "writer", run.Name)

	req := run.Request
	require.NotNil(t, req)
	assert.Equal(t, "exec-1", req.ExecutionID)
	assert.Equal(t, run.Path, req.NodePath)
	assert.Equal(t, "opus", req.Model)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, "write the summary\ncover the latest release", req.Prompt)
	assert.Equal(t, []string{"Read", "Grep"}, req.Tools)
	assert.Equal(t, 7, req.MaxTurns)
	assert.JSONEq(t, `{"type":"object"}`, string(req.OutputSchema))
	assert.Equal(t, "/srv/docs", req.WorkingDir)
	assert.Equal(t, map[string]string{"name": "writer"}, req.Metadata)
}

func TestBuildNodeRun_AgentDefaults(t *testing.T) {
	eng := newTestEngine(t, Options{WorkingDir: "/srv/default"})

	tree, root := mountElement(t, compose.Agent("w", "go"))
	claude := findNode(t, tree, root, plan.TagClaude)

	req := eng.buildNodeRun("exec-1", tree, claude).Request
	require.NotNil(t, req)
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, "/srv/default", req.WorkingDir)
	assert.Equal(t, "go", req.Prompt)
	assert.Empty(t, req.Tools)
	assert.Zero(t, req.MaxTurns)
}

func TestBuildNodeRun_Human(t *testing.T) {
	eng := newTestEngine(t, Options{})

	tree, root := mountElement(t, compose.Human("gate", "ok to ship?"))
	human := findNode(t, tree, root, plan.TagHuman)

	run := eng.buildNodeRun("exec-1", tree, human)
	assert.Equal(t, plan.TagHuman, run.Type)
	assert.Equal(t, "ok to ship?", run.Prompt)
	assert.Nil(t, run.Request)
}

func TestToolsProp_Forms(t *testing.T) {
	tree, root := mountElement(t, compose.Agent("w", "go"))
	claude := findNode(t, tree, root, plan.TagClaude)

	tree.SetProp(claude, "tools", []any{"Read", 42, "Write"})
	assert.Equal(t, []string{"Read", "Write"}, toolsProp(tree, claude))

	tree.SetProp(claude, "tools", "Bash")
	assert.Equal(t, []string{"Bash"}, toolsProp(tree, claude))
}

func TestIntProp_Forms(t *testing.T) {
	tree, root := mountElement(t, compose.Agent("w", "go"))
	claude := findNode(t, tree, root, plan.TagClaude)

	assert.Zero(t, intProp(tree, claude, "maxTurns"))

	tree.SetProp(claude, "maxTurns", float64(9))
	assert.Equal(t, 9, intProp(tree, claude, "maxTurns"))

	tree.SetProp(claude, "maxTurns", int64(4))
	assert.Equal(t, 4, intProp(tree, claude, "maxTurns"))
}

type toolErr struct {
	name  string
	input json.RawMessage
}

func (e *toolErr) Error() string {
	return "tool " + e.name + " failed"
}

func (e *toolErr) FailedTool() (string, json.RawMessage) {
	return e.name, e.input
}

func TestCaptureError(t *testing.T) {
	eng := newTestEngine(t, Options{})
	run := &NodeRun{Type: plan.TagClaude, Path: `smithers[name="x"] > claude[name="y"]`}

	plain := errors.New("boom")
	ee := eng.captureError(run, plain)
	assert.Equal(t, "boom", ee.Message)
	assert.Equal(t, plan.TagClaude, ee.NodeType)
	assert.Equal(t, run.Path, ee.NodePath)
	assert.Zero(t, ee.Retries)
	assert.Empty(t, ee.Tool)
	assert.Equal(t, run.Path+": boom", ee.Error())
	assert.ErrorIs(t, ee, plain)
}

func TestCaptureError_RetriesAndTool(t *testing.T) {
	eng := newTestEngine(t, Options{})
	run := &NodeRun{Type: plan.TagClaude, Path: "p"}

	cause := &toolErr{name: "deploy", input: json.RawMessage(`{"env":"prod"}`)}
	err := &middleware.RetriesExhausted{Attempts: 4, Err: cause}

	ee := eng.captureError(run, err)
	assert.Equal(t, 4, ee.Retries)
	assert.Equal(t, "deploy", ee.Tool)
	assert.JSONEq(t, `{"env":"prod"}`, string(ee.ToolInput))
	assert.ErrorIs(t, ee, cause)
}

func TestApprovalProviders(t *testing.T) {
	decision, err := AutoApprove().Await(context.Background(), ApprovalRequest{Prompt: "go?"})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Empty(t, decision.Feedback)

	var seen ApprovalRequest
	provider := ApproveFunc(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
		seen = req
		return ApprovalDecision{Approved: false, Feedback: "needs review"}, nil
	})
	decision, err = provider.Await(context.Background(), ApprovalRequest{
		ExecutionID: "exec-1",
		NodePath:    "p",
		Prompt:      "deploy?",
	})
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, "needs review", decision.Feedback)
	assert.Equal(t, "exec-1", seen.ExecutionID)
	assert.Equal(t, "deploy?", seen.Prompt)
}

func TestOutcome_Accessors(t *testing.T) {
	out := &Outcome{Kind: OutcomeConverged}
	assert.True(t, out.Converged())
	assert.Empty(t, out.OutputText())

	out.Result = &types.Result{OutputText: "done"}
	assert.Equal(t, "done", out.OutputText())

	assert.False(t, (&Outcome{Kind: OutcomeFailed}).Converged())
}
