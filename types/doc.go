// Package types defines the shared value types of the smithers engine:
// execution requests and results, token usage accounting, streaming events,
// and the structured error taxonomy. It is dependency-free so every other
// package can import it without cycles.
package types
