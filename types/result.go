package types

import (
	"encoding/json"
	"time"
)

// StopReason explains why a backend finished producing output.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTurns     StopReason = "max_turns"
	StopStopSequence StopReason = "stop_sequence"
	StopAborted      StopReason = "aborted"
	StopError        StopReason = "error"
)

// TokenUsage represents token consumption statistics.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add adds another TokenUsage to this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// ToolCall records a single tool invocation made during a backend run.
type ToolCall struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	EndedAt    time.Time       `json:"ended_at,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Result is the outcome of one backend execution.
type Result struct {
	Model      string          `json:"model,omitempty"`
	OutputText string          `json:"output_text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Usage      TokenUsage      `json:"usage"`
	StopReason StopReason      `json:"stop_reason,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	TurnsUsed  int             `json:"turns_used,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// Clone returns a copy with its own ToolCalls slice.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), r.ToolCalls...)
	}
	return &out
}

// StreamEventKind classifies events emitted during streaming execution.
type StreamEventKind string

const (
	StreamToken     StreamEventKind = "token"
	StreamToolStart StreamEventKind = "tool_start"
	StreamToolEnd   StreamEventKind = "tool_end"
	StreamThinking  StreamEventKind = "thinking"
)

// StreamEvent is a structured event emitted during streaming execution.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
