// Package compose is the authoring layer. A program is a plain Go
// function that returns an element description of the desired node tree;
// named cells carry state between frames. Cell reads during evaluation
// are tracked per render boundary, so changing a cell re-runs only the
// components that read it and every boundary above them. Everything else
// reuses its cached subtree.
//
// An App satisfies the scheduler's Program surface: Evaluate produces
// the next element tree, Stale reports whether any cell changed since
// the last evaluation, and Hydrate rebuilds cell values from a persisted
// snapshot on resume.
package compose
