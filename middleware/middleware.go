package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/types"
)

// Exec performs one backend execution.
type Exec func(ctx context.Context, req *types.Request) (*types.Result, error)

// Middleware contributes up to four hooks to the pipeline. Nil hooks are
// skipped. Hooks may mutate the request or result they receive and return it;
// the pipeline clones the caller's request before the first transform.
type Middleware struct {
	// Name identifies the middleware in logs.
	Name string

	// TransformOptions rewrites the request before dispatch. Applied in
	// list order.
	TransformOptions func(ctx context.Context, req *types.Request) (*types.Request, error)

	// WrapExecute nests around the backend call. The first-listed
	// middleware is outermost: its pre-call code runs before all others
	// and its post-call code runs after all others.
	WrapExecute func(next Exec) Exec

	// TransformChunk rewrites one streamed output fragment. Applied in
	// list order to every fragment. Must be fast and side-effect-free.
	TransformChunk func(text string) string

	// TransformResult rewrites the result after execution. Applied in
	// list order.
	TransformResult func(ctx context.Context, req *types.Request, res *types.Result) (*types.Result, error)
}

// Compose folds middlewares into a single Middleware whose hooks preserve the
// per-hook ordering described on Middleware, independently per hook kind.
func Compose(mws ...Middleware) Middleware {
	out := Middleware{Name: "composed"}

	var options []func(context.Context, *types.Request) (*types.Request, error)
	var chunks []func(string) string
	var results []func(context.Context, *types.Request, *types.Result) (*types.Result, error)
	var wraps []func(Exec) Exec
	for _, mw := range mws {
		if mw.TransformOptions != nil {
			options = append(options, mw.TransformOptions)
		}
		if mw.TransformChunk != nil {
			chunks = append(chunks, mw.TransformChunk)
		}
		if mw.TransformResult != nil {
			results = append(results, mw.TransformResult)
		}
		if mw.WrapExecute != nil {
			wraps = append(wraps, mw.WrapExecute)
		}
	}

	if len(options) > 0 {
		out.TransformOptions = func(ctx context.Context, req *types.Request) (*types.Request, error) {
			var err error
			for _, fn := range options {
				if req, err = fn(ctx, req); err != nil {
					return nil, err
				}
			}
			return req, nil
		}
	}
	if len(chunks) > 0 {
		out.TransformChunk = func(text string) string {
			for _, fn := range chunks {
				text = fn(text)
			}
			return text
		}
	}
	if len(results) > 0 {
		out.TransformResult = func(ctx context.Context, req *types.Request, res *types.Result) (*types.Result, error) {
			var err error
			for _, fn := range results {
				if res, err = fn(ctx, req, res); err != nil {
					return nil, err
				}
			}
			return res, nil
		}
	}
	if len(wraps) > 0 {
		out.WrapExecute = func(next Exec) Exec {
			for i := len(wraps) - 1; i >= 0; i-- {
				next = wraps[i](next)
			}
			return next
		}
	}
	return out
}

// Pipeline binds a composed middleware list to a base Exec.
type Pipeline struct {
	composed Middleware
	exec     Exec
	logger   *zap.Logger
}

// NewPipeline builds a pipeline around base. Middlewares apply in the order
// given.
func NewPipeline(base Exec, logger *zap.Logger, mws ...Middleware) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	composed := Compose(mws...)
	exec := base
	if composed.WrapExecute != nil {
		exec = composed.WrapExecute(base)
	}
	return &Pipeline{
		composed: composed,
		exec:     exec,
		logger:   logger.With(zap.String("component", "middleware")),
	}
}

// Execute runs one request through the full pipeline: option transforms,
// chunk-transform wiring, the wrapped backend call, then result transforms.
// The caller's request is never mutated.
func (p *Pipeline) Execute(ctx context.Context, req *types.Request) (*types.Result, error) {
	req = req.Clone()

	if p.composed.TransformOptions != nil {
		var err error
		if req, err = p.composed.TransformOptions(ctx, req); err != nil {
			p.logger.Debug("option transform rejected request", zap.Error(err))
			return nil, err
		}
	}

	// Route streamed fragments through the chunk chain on their way to the
	// caller's callback.
	if p.composed.TransformChunk != nil && req.OnChunk != nil {
		deliver := req.OnChunk
		transform := p.composed.TransformChunk
		req.OnChunk = func(chunk string) {
			deliver(transform(chunk))
		}
	}

	res, err := p.exec(ctx, req)
	if err != nil {
		return nil, err
	}

	if p.composed.TransformResult != nil {
		if res, err = p.composed.TransformResult(ctx, req, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}
