package middleware

import (
	"context"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/evmts/smithers-go/types"
)

// Pricing is a model's price per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// CostConfig configures cost tracking.
type CostConfig struct {
	// Prices maps model names to pricing. Keys match exactly or as a
	// substring, longest key first. Unpriced models accrue zero cost.
	Prices map[string]Pricing
	// Encoding names the tiktoken encoding used for token estimates when a
	// result carries no usage. Defaults to cl100k_base.
	Encoding string
	// Budget caps the accumulated cost in the price table's currency.
	// Once reached, further dispatch is refused. Zero means no cap.
	Budget float64
	Logger *zap.Logger
}

// CostTracker accumulates token usage and cost across executions and can
// refuse dispatch once a budget is exhausted.
type CostTracker struct {
	cfg    CostConfig
	logger *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error

	mu    sync.Mutex
	usage types.TokenUsage
	calls int
}

// NewCostTracker builds a tracker. The tiktoken encoding loads lazily on the
// first estimate; when unavailable, estimates fall back to a chars/4
// heuristic.
func NewCostTracker(cfg CostConfig) *CostTracker {
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostTracker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "middleware.cost")),
	}
}

func (t *CostTracker) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.cfg.Encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// EstimateTokens counts tokens in text, falling back to chars/4 when the
// encoding is unavailable. Suitable as RateLimitConfig.EstimateTokens.
func (t *CostTracker) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return (len(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// TotalUsage returns the accumulated token usage including cost.
func (t *CostTracker) TotalUsage() types.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// TotalCost returns the accumulated cost.
func (t *CostTracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage.Cost
}

// Calls returns how many executions the tracker has priced.
func (t *CostTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Middleware returns the cost-tracking middleware backed by this tracker.
func (t *CostTracker) Middleware() Middleware {
	return Middleware{
		Name: "cost",
		TransformOptions: func(_ context.Context, req *types.Request) (*types.Request, error) {
			if t.cfg.Budget > 0 && t.TotalCost() >= t.cfg.Budget {
				return nil, types.NewError(types.ErrLimitExceeded, "cost budget exhausted").WithRetryable(false)
			}
			return req, nil
		},
		TransformResult: func(_ context.Context, req *types.Request, res *types.Result) (*types.Result, error) {
			usage := res.Usage
			if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
				usage.PromptTokens = t.EstimateTokens(req.SystemPrompt) + t.EstimateTokens(req.Prompt)
				usage.CompletionTokens = t.EstimateTokens(res.OutputText)
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}
			price := t.priceFor(req.Model)
			cost := float64(usage.PromptTokens)*price.InputPerMTok/1e6 +
				float64(usage.CompletionTokens)*price.OutputPerMTok/1e6
			usage.Cost = cost
			res.Usage = usage

			t.mu.Lock()
			t.usage.Add(usage)
			t.calls++
			total := t.usage.Cost
			t.mu.Unlock()

			t.logger.Debug("execution priced",
				zap.String("model", req.Model),
				zap.Int("prompt_tokens", usage.PromptTokens),
				zap.Int("completion_tokens", usage.CompletionTokens),
				zap.Float64("cost", cost),
				zap.Float64("total_cost", total),
			)
			return res, nil
		},
	}
}

func (t *CostTracker) priceFor(model string) Pricing {
	if p, ok := t.cfg.Prices[model]; ok {
		return p
	}
	var best Pricing
	bestLen := 0
	for key, p := range t.cfg.Prices {
		if strings.Contains(model, key) && len(key) > bestLen {
			best = p
			bestLen = len(key)
		}
	}
	return best
}
