package compose

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Cell is a named, typed piece of program state. Get records a read
// dependency when called during evaluation; Set marks readers stale and
// enqueues a durable write through the scope's sink. Values must be JSON
// serializable for persistence to work; a value that is not still updates
// in memory but logs instead of persisting.
type Cell[T any] struct {
	scope *Scope
	name  string
	state *cellState
}

// NewCell registers a cell under name with an initial value. Cell names
// double as persisted state keys and must be unique within a scope.
func NewCell[T any](scope *Scope, name string, initial T) *Cell[T] {
	scope.mu.Lock()
	defer scope.mu.Unlock()

	if _, exists := scope.cells[name]; exists {
		panic(fmt.Sprintf("compose: duplicate cell %q", name))
	}

	st := &cellState{value: initial}
	st.hydrate = func(raw json.RawMessage) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		st.value = v
		return nil
	}
	scope.cells[name] = st

	return &Cell[T]{scope: scope, name: name, state: st}
}

// Name returns the cell's registered name.
func (c *Cell[T]) Name() string {
	return c.name
}

// Get returns the current value and, during evaluation, records the read
// as a dependency of the innermost render boundary.
func (c *Cell[T]) Get() T {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	c.scope.recordRead(c.name)
	return c.state.value.(T)
}

// Peek returns the current value without recording a dependency.
func (c *Cell[T]) Peek() T {
	c.scope.mu.Lock()
	defer c.scope.mu.Unlock()
	return c.state.value.(T)
}

// Set replaces the value, marks the cell dirty, and enqueues a durable
// write carrying the active trigger.
func (c *Cell[T]) Set(value T) {
	s := c.scope

	s.mu.Lock()
	c.state.value = value
	s.dirty[c.name] = struct{}{}
	trigger := s.currentTrigger()
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cell value not serializable",
			zap.String("cell", c.name),
			zap.Error(err),
		)
		return
	}
	sink(c.name, raw, trigger)
}

// Update applies fn to the current value and stores the result.
func (c *Cell[T]) Update(fn func(T) T) {
	c.Set(fn(c.Peek()))
}
