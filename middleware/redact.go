package middleware

import (
	"context"
	"regexp"

	"github.com/evmts/smithers-go/types"
)

// DefaultRedactionPatterns matches common credential shapes: API keys, bearer
// tokens, and AWS access keys.
func DefaultRedactionPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
		regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	}
}

// RedactConfig configures secret redaction.
type RedactConfig struct {
	// Patterns are replaced wherever they appear in streamed chunks and in
	// the result's output text and reasoning. Defaults to
	// DefaultRedactionPatterns.
	Patterns []*regexp.Regexp
	// Replacement substitutes matched spans. Defaults to "[REDACTED]".
	Replacement string
}

// Redact returns a middleware that masks secret-shaped substrings in streamed
// chunks and final results. Chunk redaction is best effort: a secret split
// across two fragments can slip through.
func Redact(cfg RedactConfig) Middleware {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultRedactionPatterns()
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	scrub := func(text string) string {
		for _, p := range patterns {
			text = p.ReplaceAllString(text, replacement)
		}
		return text
	}

	return Middleware{
		Name:           "redact",
		TransformChunk: scrub,
		TransformResult: func(_ context.Context, _ *types.Request, res *types.Result) (*types.Result, error) {
			res.OutputText = scrub(res.OutputText)
			if res.Reasoning != "" {
				res.Reasoning = scrub(res.Reasoning)
			}
			return res, nil
		},
	}
}
