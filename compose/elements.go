package compose

import (
	"encoding/json"

	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/types"
)

// NodeOption adjusts an element built by one of the vocabulary helpers.
type NodeOption func(*plan.Element)

func setProp(el *plan.Element, key string, value any) {
	if el.Props == nil {
		el.Props = plan.NewProps()
	}
	el.Props.Set(key, value)
}

// Key gives the element an explicit identity key, preserving its
// execution state across reorders.
func Key(key string) NodeOption {
	return func(el *plan.Element) { el.Key = key }
}

// Model selects the backend model for an agent node.
func Model(model string) NodeOption {
	return func(el *plan.Element) { setProp(el, "model", model) }
}

// SystemPrompt sets the agent's system prompt.
func SystemPrompt(prompt string) NodeOption {
	return func(el *plan.Element) { setProp(el, "systemPrompt", prompt) }
}

// Tools names the tools available to the agent.
func Tools(names ...string) NodeOption {
	return func(el *plan.Element) { setProp(el, "tools", names) }
}

// OutputSchema requests structured output matching schema.
func OutputSchema(schema json.RawMessage) NodeOption {
	return func(el *plan.Element) { setProp(el, "outputSchema", schema) }
}

// MaxTurns caps the agent's conversation turns.
func MaxTurns(n int) NodeOption {
	return func(el *plan.Element) { setProp(el, "maxTurns", n) }
}

// WorkingDir sets the agent's working directory.
func WorkingDir(dir string) NodeOption {
	return func(el *plan.Element) { setProp(el, "workingDir", dir) }
}

// OnComplete registers a callback invoked with the node's result after a
// successful dispatch. Callbacks typically Set cells, which schedules the
// next frame.
func OnComplete(fn func(*types.Result)) NodeOption {
	return func(el *plan.Element) { setProp(el, "onComplete", fn) }
}

// OnError registers a callback invoked when the node's dispatch fails.
func OnError(fn func(error)) NodeOption {
	return func(el *plan.Element) { setProp(el, "onError", fn) }
}

func container(tag, name string, children []*plan.Element) *plan.Element {
	var props *plan.Props
	if name != "" {
		props = plan.P("name", name)
	}
	return plan.El(tag, props, children...)
}

// Workflow is the root element of a program.
func Workflow(name string, children ...*plan.Element) *plan.Element {
	return container(plan.TagSmithers, name, children)
}

// Phase groups steps of a workflow.
func Phase(name string, children ...*plan.Element) *plan.Element {
	return container(plan.TagPhase, name, children)
}

// Step groups work within a phase.
func Step(name string, children ...*plan.Element) *plan.Element {
	return container(plan.TagStep, name, children)
}

// Ralph wraps children in a repeat-until-done loop marker. The loop
// itself is driven by cells; the element records intent in the tree.
func Ralph(id string, maxIterations int, children ...*plan.Element) *plan.Element {
	props := plan.NewProps()
	if id != "" {
		props.Set("id", id)
	}
	if maxIterations > 0 {
		props.Set("maxIterations", maxIterations)
	}
	return plan.El(plan.TagRalph, props, children...)
}

// If includes its children only while cond holds. Conditions are plain
// Go expressions over cell values, evaluated on every re-run.
func If(cond bool, children ...*plan.Element) *plan.Element {
	if !cond {
		return nil
	}
	return plan.El(plan.TagIf, nil, children...)
}

// While includes its children only while cond holds. It reads as a loop:
// a callback clears the condition cell when the work is done.
func While(cond bool, children ...*plan.Element) *plan.Element {
	if !cond {
		return nil
	}
	return plan.El(plan.TagWhile, nil, children...)
}

// Each renders one child per item. render should return keyed elements
// so items keep their execution state when the slice reorders.
func Each[T any](items []T, render func(item T, index int) *plan.Element) *plan.Element {
	children := make([]*plan.Element, 0, len(items))
	for i, item := range items {
		children = append(children, render(item, i))
	}
	return plan.El(plan.TagEach, nil, children...)
}

// Agent declares a backend-dispatched node.
func Agent(name, prompt string, opts ...NodeOption) *plan.Element {
	props := plan.NewProps()
	if name != "" {
		props.Set("name", name)
	}
	props.Set("prompt", prompt)
	el := plan.El(plan.TagClaude, props)
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Human declares an approval gate dispatched to the approval provider.
func Human(name, prompt string, opts ...NodeOption) *plan.Element {
	props := plan.NewProps()
	if name != "" {
		props.Set("name", name)
	}
	props.Set("prompt", prompt)
	el := plan.El(plan.TagHuman, props)
	for _, opt := range opts {
		opt(el)
	}
	return el
}

// Stop requests a graceful stop of the run.
func Stop(reason string) *plan.Element {
	var props *plan.Props
	if reason != "" {
		props = plan.P("reason", reason)
	}
	return plan.El(plan.TagStop, props)
}

// End designates the run's terminal result.
func End(summary string) *plan.Element {
	var props *plan.Props
	if summary != "" {
		props = plan.P("summary", summary)
	}
	return plan.El(plan.TagEnd, props)
}

// Fragment groups children without introducing a tag.
func Fragment(children ...*plan.Element) *plan.Element {
	return plan.Fragment(children...)
}

// Text builds a text leaf.
func Text(s string) *plan.Element {
	return plan.Text(s)
}

// Textf builds a formatted text leaf.
func Textf(format string, args ...any) *plan.Element {
	return plan.Textf(format, args...)
}
