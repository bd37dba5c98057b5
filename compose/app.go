package compose

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/plan"
)

// App binds a root component to a scope. It satisfies the scheduler's
// Program surface plus its optional hydration, sink-binding, and trigger
// interfaces, all matched structurally.
type App struct {
	name  string
	root  Component
	scope *Scope
}

// Option configures an App before its setup function runs.
type Option func(*App)

// WithLogger sets the scope's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.scope.logger = logger.With(zap.String("component", "compose"))
		}
	}
}

// NewApp creates the scope, applies options, and runs setup to register
// cells and build the root component.
func NewApp(name string, setup func(*Scope) Component, opts ...Option) *App {
	a := &App{name: name, scope: NewScope(nil)}
	for _, opt := range opts {
		opt(a)
	}
	a.root = setup(a.scope)
	return a
}

// Name returns the program name.
func (a *App) Name() string {
	return a.name
}

// Scope returns the app's scope.
func (a *App) Scope() *Scope {
	return a.scope
}

// Evaluate produces the next element tree, re-running only components
// whose read cells changed.
func (a *App) Evaluate() *plan.Element {
	return a.scope.evaluate(a.name, a.root)
}

// Stale reports whether any cell changed since the last evaluation.
func (a *App) Stale() bool {
	return a.scope.Stale()
}

// Hydrate rebuilds cell values from a persisted state snapshot.
func (a *App) Hydrate(snapshot map[string]json.RawMessage) error {
	return a.scope.Hydrate(snapshot)
}

// BindState routes durable cell writes through sink.
func (a *App) BindState(sink func(key string, value json.RawMessage, trigger string)) {
	a.scope.BindSink(sink)
}

// WithTrigger attributes cell writes made inside fn to trigger.
func (a *App) WithTrigger(trigger string, fn func()) {
	a.scope.WithTrigger(trigger, fn)
}
