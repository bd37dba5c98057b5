package middleware

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/evmts/smithers-go/types"
)

// Validator inspects a finished result and rejects unacceptable ones.
type Validator func(res *types.Result) error

// Validate returns a middleware that runs validators against every result.
// Failures surface as ValidationError so callers can tell a bad result apart
// from a failed backend.
func Validate(validators ...Validator) Middleware {
	return Middleware{
		Name: "validate",
		TransformResult: func(_ context.Context, _ *types.Request, res *types.Result) (*types.Result, error) {
			for _, v := range validators {
				if err := v(res); err != nil {
					if types.IsValidation(err) {
						return nil, err
					}
					ve := types.NewValidationError(err.Error())
					ve.Cause = err
					return nil, ve
				}
			}
			return res, nil
		},
	}
}

// NonEmptyOutput rejects results whose output text is blank.
func NonEmptyOutput() Validator {
	return func(res *types.Result) error {
		if strings.TrimSpace(res.OutputText) == "" {
			return types.NewValidationError("output text is empty")
		}
		return nil
	}
}

// StructuredOutput rejects results without a valid structured payload. Used
// when the request declared an output schema.
func StructuredOutput() Validator {
	return func(res *types.Result) error {
		if len(res.Structured) == 0 {
			return types.NewValidationError("structured payload is missing")
		}
		if !json.Valid(res.Structured) {
			return types.NewValidationError("structured payload is not valid JSON")
		}
		return nil
	}
}
