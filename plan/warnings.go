package plan

import "fmt"

// Warning is a non-fatal diagnostic attached to a node.
type Warning struct {
	Node      NodeID
	Tag       string
	ParentTag string
	Message   string
}

// RefreshWarnings recomputes diagnostics for the subtree at root and returns
// the current warnings in walk order. A recognized-vocabulary node whose
// immediate parent tag is outside the vocabulary is flagged: the scheduler
// will never reach it. The pass is idempotent; warnings whose structural
// condition no longer holds are cleared, never duplicated.
func RefreshWarnings(t *Tree, root NodeID) []Warning {
	var out []Warning
	t.Walk(root, func(id NodeID) bool {
		n := &t.nodes[id]
		if n.typ == TextType {
			return true
		}
		parent := n.parent
		if parent != InvalidNode && Recognized(n.typ) && !Recognized(t.nodes[parent].typ) {
			n.warning = fmt.Sprintf("<%s> is nested under unrecognized tag <%s> and will not be scheduled", n.typ, t.nodes[parent].typ)
			out = append(out, Warning{
				Node:      id,
				Tag:       n.typ,
				ParentTag: t.nodes[parent].typ,
				Message:   n.warning,
			})
		} else {
			n.warning = ""
		}
		return true
	})
	return out
}
