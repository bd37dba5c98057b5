package reconcile

import (
	"reflect"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/plan"
)

// Stats counts the primitive edits one reconcile pass applied.
type Stats struct {
	Created     int
	Updated     int
	Moved       int
	Removed     int
	TextUpdates int
}

// Empty reports whether the pass applied no edits at all.
func (s Stats) Empty() bool {
	return s.Created == 0 && s.Updated == 0 && s.Moved == 0 && s.Removed == 0 && s.TextUpdates == 0
}

// Reconciler applies element descriptions onto a live tree through a Host.
type Reconciler struct {
	host   Host
	logger *zap.Logger
}

// New creates a Reconciler over host. A nil logger disables logging.
func New(host Host, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		host:   host,
		logger: logger.With(zap.String("component", "reconcile")),
	}
}

// Reconcile diffs desc against the children of container and applies the
// edits. A fragment desc (or nil) reconciles the container to the fragment's
// flattened children; any other desc reconciles to that single child. The
// container node itself is never modified.
func (r *Reconciler) Reconcile(container plan.NodeID, desc *plan.Element) Stats {
	var next []*plan.Element
	switch {
	case desc == nil:
	case desc.Type == plan.TagFragment:
		next = desc.Flatten()
	default:
		next = []*plan.Element{desc}
	}

	var st Stats
	r.reconcileChildren(container, next, &st)
	if !st.Empty() {
		r.logger.Debug("applied edits",
			zap.Int("created", st.Created),
			zap.Int("updated", st.Updated),
			zap.Int("moved", st.Moved),
			zap.Int("removed", st.Removed),
			zap.Int("text", st.TextUpdates),
		)
	}
	return st
}

func (r *Reconciler) reconcileChildren(parent plan.NodeID, next []*plan.Element, st *Stats) {
	old := childList(r.host, parent)
	oldIdents := nodeIdentities(r.host, old)
	nextIdents := elementIdentities(next)

	oldByIdent := make(map[identity]plan.NodeID, len(old))
	for i, id := range old {
		oldByIdent[oldIdents[i]] = id
	}

	matched := make([]plan.NodeID, len(next))
	fresh := make([]bool, len(next))
	claimed := make(map[plan.NodeID]bool, len(old))
	for i, el := range next {
		matched[i] = plan.InvalidNode
		id, ok := oldByIdent[nextIdents[i]]
		if !ok || claimed[id] {
			continue
		}
		// A type change at the same identity forces remove-then-recreate.
		if r.host.Type(id) != el.Type {
			continue
		}
		matched[i] = id
		claimed[id] = true
	}

	for _, id := range old {
		if !claimed[id] {
			r.host.Remove(parent, id)
			st.Removed++
		}
	}

	for i, el := range next {
		if matched[i] == plan.InvalidNode {
			matched[i] = r.create(el, st)
			fresh[i] = true
		} else {
			r.update(matched[i], el, st)
		}
	}

	// Place children in declared order, back to front so each anchor is
	// already in its final position.
	for i := len(next) - 1; i >= 0; i-- {
		id := matched[i]
		anchor := plan.InvalidNode
		if i+1 < len(next) {
			anchor = matched[i+1]
		}
		if r.host.Parent(id) != parent || r.host.NextSibling(id) != anchor {
			r.host.InsertBefore(parent, id, anchor)
			if !fresh[i] {
				st.Moved++
			}
		}
	}
}

func (r *Reconciler) create(el *plan.Element, st *Stats) plan.NodeID {
	st.Created++
	if el.Type == plan.TextType {
		return r.host.CreateText(el.Text)
	}
	id := r.host.CreateElement(el.Type, el.Key, el.Props)
	for _, c := range el.Flatten() {
		r.host.InsertBefore(id, r.create(c, st), plan.InvalidNode)
	}
	return id
}

func (r *Reconciler) update(id plan.NodeID, el *plan.Element, st *Stats) {
	if el.Type == plan.TextType {
		if r.host.Text(id) != el.Text {
			r.host.SetText(id, el.Text)
			st.TextUpdates++
		}
		return
	}
	r.updateProps(id, el.Props, st)
	r.reconcileChildren(id, el.Flatten(), st)
}

func (r *Reconciler) updateProps(id plan.NodeID, next *plan.Props, st *Stats) {
	old := r.host.Props(id)
	for _, k := range old.Keys() {
		if _, ok := next.Get(k); !ok {
			r.host.DeleteProp(id, k)
			st.Updated++
		}
	}
	next.Range(func(k string, v any) bool {
		if k == plan.ChildrenProp {
			return true
		}
		ov, ok := old.Get(k)
		if ok && propEqual(ov, v) {
			return true
		}
		r.host.SetProp(id, k, v)
		st.Updated++
		return true
	})
}

func propEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// Callbacks are rebuilt on every evaluation and are never comparable.
	if reflect.ValueOf(a).Kind() == reflect.Func || reflect.ValueOf(b).Kind() == reflect.Func {
		return false
	}
	return reflect.DeepEqual(a, b)
}
