package store

import (
	"time"

	"github.com/evmts/smithers-go/types"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the execution was created but the
	// loop has not started.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning indicates the loop is driving the execution.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusCompleted indicates the tree converged.
	ExecutionStatusCompleted ExecutionStatus = "completed"

	// ExecutionStatusFailed indicates the execution stopped on an error.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusCancelled indicates the execution was cancelled.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final. An execution reaches a
// terminal status exactly once.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// incompleteStatuses are the statuses a resumable execution may carry.
var incompleteStatuses = []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning}

// Execution is the durable record of one workflow run.
type Execution struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	Program          string          `gorm:"size:200" json:"program"`
	Status           ExecutionStatus `gorm:"size:20;not null;default:pending;index:idx_executions_status" json:"status"`
	Error            string          `gorm:"type:text" json:"error,omitempty"`
	Frames           int             `gorm:"default:0" json:"frames"`
	AgentRuns        int             `gorm:"default:0" json:"agent_runs"`
	PromptTokens     int64           `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int64           `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int64           `gorm:"default:0" json:"total_tokens"`
	Cost             float64         `gorm:"default:0" json:"cost"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	CreatedAt        time.Time       `gorm:"index:idx_executions_created" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Usage returns the aggregate token usage recorded on the execution.
func (e *Execution) Usage() types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     int(e.PromptTokens),
		CompletionTokens: int(e.CompletionTokens),
		TotalTokens:      int(e.TotalTokens),
		Cost:             e.Cost,
	}
}

// StateEntry is the current value of one shared state key. Values are
// stored as JSON text so every supported database can hold them.
type StateEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"size:64;not null;uniqueIndex:idx_state_exec_key" json:"execution_id"`
	Key         string    `gorm:"size:200;not null;uniqueIndex:idx_state_exec_key" json:"key"`
	Value       string    `gorm:"type:text" json:"value"`
	Version     int       `gorm:"default:0" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateTransition is one append-only history record for a state key.
// Replaying transitions in id order rebuilds the current snapshot.
type StateTransition struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"size:64;not null;index:idx_transitions_exec_key" json:"execution_id"`
	Key         string    `gorm:"size:200;not null;index:idx_transitions_exec_key" json:"key"`
	OldValue    string    `gorm:"type:text" json:"old_value,omitempty"`
	NewValue    string    `gorm:"type:text" json:"new_value"`
	Trigger     string    `gorm:"size:200" json:"trigger,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Frame is a point-in-time snapshot of the serialized tree, one per
// loop iteration. Sequence numbers are monotonic per execution.
type Frame struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID string    `gorm:"size:64;not null;uniqueIndex:idx_frames_exec_seq" json:"execution_id"`
	Sequence    int       `gorm:"not null;uniqueIndex:idx_frames_exec_seq" json:"sequence"`
	Tree        string    `gorm:"type:text" json:"tree"`
	CapturedAt  time.Time `json:"captured_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentRun records one backend dispatch: which node ran, with what
// prompt, and what came back.
type AgentRun struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	ExecutionID      string          `gorm:"size:64;not null;index:idx_agent_runs_exec" json:"execution_id"`
	NodePath         string          `gorm:"size:500" json:"node_path"`
	Name             string          `gorm:"size:200" json:"name"`
	Model            string          `gorm:"size:100" json:"model"`
	Status           ExecutionStatus `gorm:"size:20;not null;default:running" json:"status"`
	Prompt           string          `gorm:"type:text" json:"prompt,omitempty"`
	Output           string          `gorm:"type:text" json:"output,omitempty"`
	Error            string          `gorm:"type:text" json:"error,omitempty"`
	StopReason       string          `gorm:"size:40" json:"stop_reason,omitempty"`
	PromptTokens     int             `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int             `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int             `gorm:"default:0" json:"total_tokens"`
	Cost             float64         `gorm:"default:0" json:"cost"`
	DurationMS       int64           `gorm:"default:0" json:"duration_ms"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	ToolCalls []ToolCallRecord `gorm:"foreignKey:AgentRunID" json:"tool_calls,omitempty"`
}

// ToolCallRecord is one tool invocation made during an agent run.
type ToolCallRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AgentRunID  string    `gorm:"size:64;not null;index:idx_tool_calls_run" json:"agent_run_id"`
	ExecutionID string    `gorm:"size:64;not null;index:idx_tool_calls_exec" json:"execution_id"`
	Name        string    `gorm:"size:200;not null" json:"name"`
	Input       string    `gorm:"type:text" json:"input,omitempty"`
	Output      string    `gorm:"type:text" json:"output,omitempty"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
	DurationMS  int64     `gorm:"default:0" json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName keeps the table name short.
func (ToolCallRecord) TableName() string {
	return "tool_calls"
}
