// Package store persists executions, shared state, frame snapshots, and
// agent runs so an interrupted workflow can be resumed.
//
// The relational implementation rides on GORM and supports SQLite
// (default, pure Go), PostgreSQL, and MySQL, selected by DSN scheme. A
// MongoDB implementation of the same read/write surface lives in
// mongo.go for deployments that already run Mongo.
//
// Durable records:
//   - Execution: lifecycle status, counters, aggregate token usage. An
//     execution reaches a terminal status exactly once.
//   - StateEntry: current value of one shared state key, plus an
//     append-only StateTransition history (old value, new value,
//     trigger) that can rebuild the snapshot after a crash.
//   - Frame: one serialized tree snapshot per loop iteration, numbered
//     monotonically per execution.
//   - AgentRun / ToolCallRecord: per-dispatch backend calls and the
//     tool invocations made during them.
//
// Writes that must never stall the convergence loop (frames, state
// cells) go through Writer, a bounded single-goroutine queue that logs
// and swallows failures.
package store
