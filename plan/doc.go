// Package plan models the workflow tree: an arena of typed nodes addressed
// by integer IDs, the element descriptions the authoring layer produces, the
// closed node vocabulary, and the canonical tagged-text serializer with its
// diagnostic warning pass.
//
// The arena owns every node; parents and children reference each other by
// NodeID, never by pointer, so snapshots and serialization are cycle-free.
// Structural mutation goes through the reconciler; execution status lives in
// ExecState values attached to executable nodes and is mutated only by the
// scheduler.
package plan
