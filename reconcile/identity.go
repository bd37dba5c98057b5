package reconcile

import "github.com/evmts/smithers-go/plan"

// identity names a node's position-independent match key. Keyed nodes match
// on key alone (type checked afterwards to force recreate on type change);
// unkeyed nodes match on (type, ordinal among unkeyed same-type siblings).
type identity struct {
	key     string
	typ     string
	ordinal int
}

func elementIdentities(els []*plan.Element) []identity {
	out := make([]identity, len(els))
	counts := make(map[string]int)
	for i, el := range els {
		if el.Key != "" {
			out[i] = identity{key: el.Key}
			continue
		}
		out[i] = identity{typ: el.Type, ordinal: counts[el.Type]}
		counts[el.Type]++
	}
	return out
}

func nodeIdentities(h Host, ids []plan.NodeID) []identity {
	out := make([]identity, len(ids))
	counts := make(map[string]int)
	for i, id := range ids {
		if k := h.Key(id); k != "" {
			out[i] = identity{key: k}
			continue
		}
		typ := h.Type(id)
		out[i] = identity{typ: typ, ordinal: counts[typ]}
		counts[typ]++
	}
	return out
}

func childList(h Host, parent plan.NodeID) []plan.NodeID {
	var out []plan.NodeID
	for c := h.FirstChild(parent); c != plan.InvalidNode; c = h.NextSibling(c) {
		out = append(out, c)
	}
	return out
}
