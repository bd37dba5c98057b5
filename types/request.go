package types

import (
	"encoding/json"
	"time"
)

// Request carries everything a backend adapter needs to run one agent node:
// the node's declared configuration plus the ambient execution context.
type Request struct {
	ExecutionID string `json:"execution_id,omitempty"`
	NodePath    string `json:"node_path,omitempty"`

	Model        string          `json:"model"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Prompt       string          `json:"prompt"`
	Tools        []string        `json:"tools,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	MaxTurns     int             `json:"max_turns,omitempty"`
	WorkingDir   string          `json:"working_dir,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// OnChunk receives streamed output fragments as they arrive.
	// Never serialized and excluded from cache keys.
	OnChunk func(chunk string) `json:"-"`

	// OnEvent receives structured stream events (tool starts, thinking).
	OnEvent func(ev StreamEvent) `json:"-"`
}

// Clone returns a shallow copy with its own Tools/Metadata containers so
// option transforms can adjust a request without mutating the caller's.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Tools != nil {
		out.Tools = append([]string(nil), r.Tools...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// EmitChunk delivers a streamed fragment to the chunk callback, if set.
func (r *Request) EmitChunk(chunk string) {
	if r.OnChunk != nil {
		r.OnChunk(chunk)
	}
}

// EmitEvent delivers a stream event to the event callback, if set.
func (r *Request) EmitEvent(ev StreamEvent) {
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}
