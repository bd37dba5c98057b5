package engine

import (
	"encoding/json"

	"github.com/evmts/smithers-go/plan"
)

// Program is the unit the convergence loop drives. Evaluate returns the
// element tree describing the desired plan; Stale reports whether program
// state changed since the last evaluation, scheduling another frame.
type Program interface {
	Evaluate() *plan.Element
	Stale() bool
}

// Named lets a program label its execution record.
type Named interface {
	Name() string
}

// Hydrator lets a program rebuild its state from a persisted snapshot
// when an execution resumes.
type Hydrator interface {
	Hydrate(snapshot map[string]json.RawMessage) error
}

// StateBinder lets a program route durable state writes through the
// engine. The sink must not block; the engine hands writes to the
// store's async writer.
type StateBinder interface {
	BindState(sink func(key string, value json.RawMessage, trigger string))
}

// TriggerRunner lets a program attribute state writes made inside fn to
// the node path that triggered them. The engine uses it when invoking
// completion callbacks.
type TriggerRunner interface {
	WithTrigger(trigger string, fn func())
}

// StaticProgram wraps a fixed element tree as a Program. It evaluates to
// the same description every frame and is never stale, so a run converges
// as soon as every executable node finishes.
type StaticProgram struct {
	name string
	root *plan.Element
}

// NewStaticProgram builds a static program named name.
func NewStaticProgram(name string, root *plan.Element) *StaticProgram {
	return &StaticProgram{name: name, root: root}
}

// Name returns the program name.
func (p *StaticProgram) Name() string { return p.name }

// Evaluate returns the fixed tree.
func (p *StaticProgram) Evaluate() *plan.Element { return p.root }

// Stale always reports false.
func (p *StaticProgram) Stale() bool { return false }
