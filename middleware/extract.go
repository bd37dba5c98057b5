package middleware

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/evmts/smithers-go/types"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON returns a middleware that fills Result.Structured from the
// output text when the backend did not populate it. Fenced code blocks are
// preferred; otherwise the first balanced JSON object or array is taken.
func ExtractJSON() Middleware {
	return Middleware{
		Name: "extract-json",
		TransformResult: func(_ context.Context, _ *types.Request, res *types.Result) (*types.Result, error) {
			if len(res.Structured) > 0 {
				return res, nil
			}
			if payload, ok := extractJSONPayload(res.OutputText); ok {
				res.Structured = payload
			}
			return res, nil
		},
	}
}

func extractJSONPayload(text string) (json.RawMessage, bool) {
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	if candidate, ok := firstBalancedJSON(text); ok {
		return json.RawMessage(candidate), true
	}
	return nil, false
}

// firstBalancedJSON scans for the first balanced {...} or [...] span that
// parses as JSON. Braces inside string literals are skipped.
func firstBalancedJSON(text string) (string, bool) {
	for start := 0; start < len(text); start++ {
		opener := text[start]
		if opener != '{' && opener != '[' {
			continue
		}
		var closer byte = '}'
		if opener == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case opener:
				depth++
			case closer:
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(text)
				}
			}
		}
	}
	return "", false
}

// ReasoningConfig configures delimited-reasoning extraction.
type ReasoningConfig struct {
	// Open and Close delimit reasoning spans in the output text.
	// Default to "<thinking>" and "</thinking>".
	Open  string
	Close string
}

// ExtractReasoning returns a middleware that moves delimited reasoning spans
// out of the output text and into Result.Reasoning. Multiple spans join with
// blank lines.
func ExtractReasoning(cfg ReasoningConfig) Middleware {
	openTag := cfg.Open
	if openTag == "" {
		openTag = "<thinking>"
	}
	closeTag := cfg.Close
	if closeTag == "" {
		closeTag = "</thinking>"
	}

	return Middleware{
		Name: "extract-reasoning",
		TransformResult: func(_ context.Context, _ *types.Request, res *types.Result) (*types.Result, error) {
			var spans []string
			text := res.OutputText
			var out strings.Builder
			for {
				i := strings.Index(text, openTag)
				if i < 0 {
					break
				}
				j := strings.Index(text[i+len(openTag):], closeTag)
				if j < 0 {
					break
				}
				out.WriteString(text[:i])
				span := strings.TrimSpace(text[i+len(openTag) : i+len(openTag)+j])
				if span != "" {
					spans = append(spans, span)
				}
				text = text[i+len(openTag)+j+len(closeTag):]
			}
			out.WriteString(text)
			if len(spans) > 0 {
				if res.Reasoning != "" {
					spans = append([]string{res.Reasoning}, spans...)
				}
				res.Reasoning = strings.Join(spans, "\n\n")
				res.OutputText = strings.TrimSpace(out.String())
			}
			return res, nil
		},
	}
}
