// Package smithers provides a top-level convenience entry point for
// running workflow programs with minimal boilerplate.
//
// Usage:
//
//	import "github.com/evmts/smithers-go"
//
//	outcome, err := smithers.Run(ctx, app)
//	outcome, err := smithers.Run(ctx, app, smithers.WithBackend(adapter))
//
// This is a thin wrapper around [engine.New]; a throwaway in-memory
// store and a mock backend are supplied when none are configured, so a
// bare Run works out of the box. Construct the engine directly when
// you need persistence, middleware, or an event sink.
package smithers

import (
	"context"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/backend"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/store"
)

// Program is re-exported so callers never need to import engine/.
type Program = engine.Program

// Outcome is the final report of one run.
type Outcome = engine.Outcome

// Option configures the engine assembled by [Run] and [Resume].
type Option func(*options)

type options struct {
	store     engine.Store
	adapter   backend.Adapter
	maxFrames int
	logger    *zap.Logger
}

// WithStore runs against an existing store instead of a throwaway
// in-memory one.
func WithStore(st engine.Store) Option {
	return func(o *options) { o.store = st }
}

// WithBackend registers the adapter as the default dispatch target.
func WithBackend(a backend.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithMaxFrames caps loop iterations per run.
func WithMaxFrames(n int) Option {
	return func(o *options) { o.maxFrames = n }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Run executes the program to convergence and tears the engine down.
func Run(ctx context.Context, program Program, opts ...Option) (*Outcome, error) {
	eng, cleanup, err := build(opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return eng.Run(ctx, program)
}

// Resume continues an interrupted execution. An empty executionID
// resolves to the most recent incomplete one.
func Resume(ctx context.Context, program Program, executionID string, opts ...Option) (*Outcome, error) {
	eng, cleanup, err := build(opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return eng.Resume(ctx, program, executionID)
}

func build(opts []Option) (*engine.Engine, func(), error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cleanup := func() {}
	if o.store == nil {
		st, err := store.Open(":memory:", store.Options{Logger: o.logger})
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { st.Close() }
		o.store = st
	}

	reg := backend.NewRegistry()
	if o.adapter == nil {
		o.adapter = backend.NewMock()
	}
	reg.Register(o.adapter)
	if err := reg.SetDefault(o.adapter.Name()); err != nil {
		cleanup()
		return nil, nil, err
	}

	eng, err := engine.New(engine.Options{
		Store:     o.store,
		Backends:  reg,
		Logger:    o.logger,
		MaxFrames: o.maxFrames,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	storeCleanup := cleanup
	return eng, func() {
		eng.Close()
		storeCleanup()
	}, nil
}
