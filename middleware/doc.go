// Package middleware implements the composable execution pipeline that sits
// between the scheduler and a backend adapter.
//
// A Middleware contributes up to four independent hooks: TransformOptions
// rewrites the outgoing request, WrapExecute nests around the backend call,
// TransformChunk rewrites every streamed output fragment, and TransformResult
// rewrites the final result. Compose folds a middleware list into one
// middleware that preserves per-hook ordering: options, chunks, and results
// chain first to last, while WrapExecute nests with the first-listed
// middleware outermost.
//
// The reference middlewares (caching, retry, rate limiting, timeout
// derivation, validation, logging, cost tracking, redaction, and extraction)
// are all expressed through the same four hooks.
package middleware
