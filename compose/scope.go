package compose

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/plan"
)

// Component produces an element description from the current cell values.
// Components must be pure apart from cell reads: mutation belongs in node
// callbacks, which run between frames.
type Component func(*Ctx) *plan.Element

// Scope owns a program's cells, its dirty set, and the render memos.
// Cell mutation is safe from any goroutine; evaluation itself is
// single-threaded (the scheduler serializes frames).
type Scope struct {
	logger *zap.Logger

	mu       sync.Mutex
	cells    map[string]*cellState
	dirty    map[string]struct{}
	triggers []string
	sink     func(key string, value json.RawMessage, trigger string)
	memo     map[string]*memoEntry
	eval     *evaluation
}

type cellState struct {
	value any
	// hydrate replaces value from a persisted raw form. Caller holds mu.
	hydrate func(raw json.RawMessage) error
}

type memoEntry struct {
	element *plan.Element
	// reads holds every cell the boundary's subtree read, including
	// cells read by nested boundaries it rendered or reused.
	reads map[string]struct{}
}

type evaluation struct {
	dirty map[string]struct{}
	stack []map[string]struct{}
}

// NewScope creates an empty scope. A nil logger disables logging.
func NewScope(logger *zap.Logger) *Scope {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scope{
		logger: logger.With(zap.String("component", "compose")),
		cells:  make(map[string]*cellState),
		dirty:  make(map[string]struct{}),
		memo:   make(map[string]*memoEntry),
	}
}

// Stale reports whether any cell changed since the last evaluation.
func (s *Scope) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

// BindSink routes durable cell writes. Every subsequent Set enqueues the
// marshaled value, its cell name, and the active trigger.
func (s *Scope) BindSink(sink func(key string, value json.RawMessage, trigger string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// WithTrigger attributes cell writes made inside fn to trigger,
// typically the node path of a completing node.
func (s *Scope) WithTrigger(trigger string, fn func()) {
	s.mu.Lock()
	s.triggers = append(s.triggers, trigger)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.triggers = s.triggers[:len(s.triggers)-1]
		s.mu.Unlock()
	}()
	fn()
}

// Hydrate replaces cell values from a persisted state snapshot and marks
// them dirty so the next evaluation sees the restored values. Keys with
// no registered cell are skipped with a warning; a value that no longer
// unmarshals into its cell's type fails the whole hydration.
func (s *Scope) Hydrate(snapshot map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, raw := range snapshot {
		st, ok := s.cells[key]
		if !ok {
			s.logger.Warn("no cell for persisted state", zap.String("key", key))
			continue
		}
		if err := st.hydrate(raw); err != nil {
			return fmt.Errorf("hydrate cell %q: %w", key, err)
		}
		s.dirty[key] = struct{}{}
	}
	return nil
}

// evaluate runs root inside a fresh evaluation, consuming the dirty set.
// Writes made while evaluation runs land in the next frame's dirty set.
func (s *Scope) evaluate(name string, root Component) *plan.Element {
	s.mu.Lock()
	s.eval = &evaluation{
		dirty: s.dirty,
		stack: []map[string]struct{}{make(map[string]struct{})},
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.eval = nil
		s.mu.Unlock()
	}()

	return (&Ctx{scope: s}).Render(name, root)
}

// recordRead marks name as read by the innermost active boundary.
// Caller holds mu.
func (s *Scope) recordRead(name string) {
	if s.eval == nil || len(s.eval.stack) == 0 {
		return
	}
	s.eval.stack[len(s.eval.stack)-1][name] = struct{}{}
}

// currentTrigger returns the innermost active trigger. Caller holds mu.
func (s *Scope) currentTrigger() string {
	if n := len(s.triggers); n > 0 {
		return s.triggers[n-1]
	}
	return ""
}

// Ctx is passed to components during evaluation.
type Ctx struct {
	scope *Scope
}

// Scope returns the evaluating scope.
func (c *Ctx) Scope() *Scope {
	return c.scope
}

// Render evaluates comp behind a memo boundary. The component re-runs
// only when a cell its subtree read changed since it last ran; otherwise
// the cached element is returned. Boundary names must be unique within a
// program; an empty name disables memoization.
func (c *Ctx) Render(name string, comp Component) *plan.Element {
	s := c.scope
	if name == "" {
		return comp(c)
	}

	s.mu.Lock()
	ev := s.eval
	if ev == nil {
		s.mu.Unlock()
		return comp(c)
	}

	if entry, ok := s.memo[name]; ok && !intersects(entry.reads, ev.dirty) {
		// Reuse: the parent inherits the cached subtree's reads so a
		// later change still reaches this boundary through it.
		top := ev.stack[len(ev.stack)-1]
		for k := range entry.reads {
			top[k] = struct{}{}
		}
		s.mu.Unlock()
		return entry.element
	}

	frame := make(map[string]struct{})
	ev.stack = append(ev.stack, frame)
	s.mu.Unlock()

	el := comp(c)

	s.mu.Lock()
	ev.stack = ev.stack[:len(ev.stack)-1]
	top := ev.stack[len(ev.stack)-1]
	for k := range frame {
		top[k] = struct{}{}
	}
	s.memo[name] = &memoEntry{element: el, reads: frame}
	s.mu.Unlock()
	return el
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
