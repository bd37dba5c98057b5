/*
Package engine drives a workflow program to convergence.

# Overview

The engine owns the live tree for one execution and repeats a frame
loop: evaluate the program when its state changed, reconcile the
returned description onto the tree, persist a serialized snapshot
through the store's async writer, then scan for pending executable
nodes. No pending nodes and no stale state means the tree converged.
Otherwise every discovered node is flipped to running synchronously
and dispatched concurrently through the handler registered for its
tag; results and errors land on the nodes, never abort the loop, and
completion callbacks may change program state so execution and
re-evaluation interleave until the tree settles.

# Core types

  - Engine: the convergence loop plus execution bookkeeping. Run starts
    a fresh execution; Resume reloads the most recent incomplete one,
    rehydrates program state from the transition history, and continues
    the frame sequence.
  - Program: what the loop evaluates. Optional capabilities (naming,
    hydration, durable state sinks, trigger attribution) are discovered
    through interface probes so authoring layers stay decoupled.
  - NodeHandler: executes one node of a given tag. The dispatch table
    maps claude nodes to the backend pipeline and human nodes to an
    ApprovalProvider.
  - Outcome: how the run ended (converged, limit exceeded, stopped,
    failed, cancelled) with the final result, per-node errors, and
    counters.

Per-node failures, cap overruns, and stop requests are ordinary
outcomes. Only loop-breaking conditions, such as the program panicking
during evaluation or the store rejecting the execution record, abort
the run and fail the execution.
*/
package engine
