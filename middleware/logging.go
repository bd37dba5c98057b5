package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/types"
)

// Logging returns a middleware that logs every execution with its outcome,
// duration, and token usage.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "middleware.logging"))

	return Middleware{
		Name: "logging",
		WrapExecute: func(next Exec) Exec {
			return func(ctx context.Context, req *types.Request) (*types.Result, error) {
				start := time.Now()
				logger.Debug("dispatching execution",
					zap.String("execution_id", req.ExecutionID),
					zap.String("node_path", req.NodePath),
					zap.String("model", req.Model),
					zap.Int("prompt_chars", len(req.Prompt)),
				)

				res, err := next(ctx, req)
				elapsed := time.Since(start)
				if err != nil {
					logger.Error("execution failed",
						zap.String("execution_id", req.ExecutionID),
						zap.String("node_path", req.NodePath),
						zap.Duration("duration", elapsed),
						zap.Error(err),
					)
					return nil, err
				}
				logger.Info("execution complete",
					zap.String("execution_id", req.ExecutionID),
					zap.String("node_path", req.NodePath),
					zap.String("model", res.Model),
					zap.Duration("duration", elapsed),
					zap.Int("total_tokens", res.Usage.TotalTokens),
					zap.String("stop_reason", string(res.StopReason)),
				)
				return res, nil
			}
		},
	}
}
