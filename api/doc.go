// Package api serves the operator surface: read-only HTTP endpoints over
// the persistence store (executions, frames, state, history), health and
// Prometheus metrics, and a WebSocket stream of live engine events. The
// server is an engine event sink; wiring it into engine.Options.Events
// streams every frame snapshot and node state change to connected
// inspectors.
package api
