package engine

import (
	"time"

	"github.com/evmts/smithers-go/types"
)

// OutcomeKind classifies how a run ended.
type OutcomeKind string

const (
	// OutcomeConverged means the tree settled with no pending work.
	OutcomeConverged OutcomeKind = "converged"

	// OutcomeLimitExceeded means a frame, wall-clock, or token cap fired.
	OutcomeLimitExceeded OutcomeKind = "limit_exceeded"

	// OutcomeStopped means a stop node was reconciled into the tree or
	// RequestStop was called.
	OutcomeStopped OutcomeKind = "stopped"

	// OutcomeFailed means the tree converged but every executable node
	// errored.
	OutcomeFailed OutcomeKind = "failed"

	// OutcomeCancelled means the run context was cancelled.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the final report of one run.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	ExecutionID string      `json:"execution_id"`

	// Result is the designated terminal node's result when the program
	// declared one, else the last completed node's result.
	Result *types.Result `json:"result,omitempty"`

	// Reason explains limit, stop, failure, and cancellation outcomes.
	Reason string `json:"reason,omitempty"`

	// NodeErrors collects every dispatch failure of the run, in dispatch
	// order.
	NodeErrors []*ExecutionError `json:"node_errors,omitempty"`

	Frames     int              `json:"frames"`
	Dispatches int              `json:"dispatches"`
	Usage      types.TokenUsage `json:"usage"`
	Duration   time.Duration    `json:"duration"`
}

// Converged reports whether the run completed its plan.
func (o *Outcome) Converged() bool {
	return o.Kind == OutcomeConverged
}

// OutputText returns the final result's output text, "" when none.
func (o *Outcome) OutputText() string {
	if o.Result == nil {
		return ""
	}
	return o.Result.OutputText
}
