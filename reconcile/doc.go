// Package reconcile maintains the live workflow tree across re-evaluations.
// It diffs the element description produced by the authoring layer against
// the current tree and applies a stream of primitive edits through the Host
// interface, matching nodes by identity (explicit key, else tag type and
// ordinal among same-type siblings) so structurally unchanged nodes keep
// their NodeID and any in-flight execution state.
package reconcile
