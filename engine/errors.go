package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/evmts/smithers-go/middleware"
	"github.com/evmts/smithers-go/plan"
)

// ExecutionError is the captured failure of one node dispatch. It lands
// on the node and in the run's Outcome; sibling nodes keep running.
type ExecutionError struct {
	Message  string `json:"message"`
	NodeType string `json:"node_type"`
	NodePath string `json:"node_path"`

	// Tool and ToolInput identify the failing tool call when the cause
	// exposes one.
	Tool      string          `json:"tool,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// Retries is how many attempts the retry middleware made before
	// giving up, zero when the dispatch was not retried.
	Retries int   `json:"retries,omitempty"`
	Cause   error `json:"-"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.NodePath != "" {
		return fmt.Sprintf("%s: %s", e.NodePath, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying dispatch error.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// toolFailer is probed on the error chain so adapters can surface which
// tool call broke a run.
type toolFailer interface {
	FailedTool() (name string, input json.RawMessage)
}

func (e *Engine) captureError(run *NodeRun, err error) *ExecutionError {
	ee := &ExecutionError{
		Message:  err.Error(),
		NodeType: run.Type,
		NodePath: run.Path,
		Cause:    err,
	}

	var exhausted *middleware.RetriesExhausted
	if errors.As(err, &exhausted) {
		ee.Retries = exhausted.Attempts
	}

	var tf toolFailer
	if errors.As(err, &tf) {
		ee.Tool, ee.ToolInput = tf.FailedTool()
	}

	return ee
}

// NodePath renders the position of id as tag segments joined with " > ".
// Named nodes render as `tag[name="..."]`; fragments are anonymous
// wrappers and contribute no segment.
func NodePath(t *plan.Tree, id plan.NodeID) string {
	var segs []string
	for cur := id; cur != plan.InvalidNode; cur = t.Parent(cur) {
		typ := t.Type(cur)
		if typ == "" || typ == plan.TagFragment {
			continue
		}
		if name := t.PropString(cur, "name"); name != "" {
			segs = append(segs, fmt.Sprintf("%s[name=%q]", typ, name))
		} else {
			segs = append(segs, typ)
		}
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, " > ")
}
