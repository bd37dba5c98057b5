package plan

import (
	"github.com/evmts/smithers-go/types"
)

// NodeID is an index into a Tree's node arena.
type NodeID int32

// InvalidNode is the null NodeID: a detached parent, a missing sibling.
const InvalidNode NodeID = -1

// Status is the execution lifecycle of an executable node.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// ExecState is the per-node execution record. It is attached when a node of
// an executable tag is created, mutated only by the scheduler, and discarded
// when the node is removed from the live tree.
type ExecState struct {
	Status Status
	Result *types.Result
	Err    error

	// ContentHash is reserved for change detection and currently unset.
	ContentHash string
}

// Terminal reports whether the state is complete or error.
func (s *ExecState) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusError
}

type node struct {
	inUse    bool
	typ      string
	key      string
	text     string
	props    *Props
	parent   NodeID
	children []NodeID
	state    *ExecState
	warning  string
}

// Tree is an arena of nodes. All structural references are NodeIDs; removed
// subtrees return their slots to a free list. A Tree is not safe for
// concurrent mutation; the engine serializes reconciler and scheduler writes.
type Tree struct {
	nodes []node
	free  []NodeID
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

func (t *Tree) alloc() NodeID {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.nodes[id] = node{inUse: true, parent: InvalidNode}
		return id
	}
	t.nodes = append(t.nodes, node{inUse: true, parent: InvalidNode})
	return NodeID(len(t.nodes) - 1)
}

// Valid reports whether id names a live node in this tree.
func (t *Tree) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes) && t.nodes[id].inUse
}

// CreateElement creates a detached element node. Nodes of executable tags
// get a fresh ExecState in StatusPending.
func (t *Tree) CreateElement(typ, key string, props *Props) NodeID {
	id := t.alloc()
	n := &t.nodes[id]
	n.typ = typ
	n.key = key
	n.props = props.Clone()
	n.props.Delete(ChildrenProp)
	if Executable(typ) {
		n.state = &ExecState{Status: StatusPending}
	}
	return id
}

// CreateText creates a detached text leaf.
func (t *Tree) CreateText(text string) NodeID {
	id := t.alloc()
	n := &t.nodes[id]
	n.typ = TextType
	n.text = text
	return id
}

// SetProp sets one property in place. The reserved children-channel key is
// ignored. Text nodes have no props.
func (t *Tree) SetProp(id NodeID, key string, value any) {
	if !t.Valid(id) || key == ChildrenProp || t.nodes[id].typ == TextType {
		return
	}
	if t.nodes[id].props == nil {
		t.nodes[id].props = NewProps()
	}
	t.nodes[id].props.Set(key, value)
}

// DeleteProp removes one property.
func (t *Tree) DeleteProp(id NodeID, key string) {
	if !t.Valid(id) {
		return
	}
	t.nodes[id].props.Delete(key)
}

// SetText replaces a text leaf's content.
func (t *Tree) SetText(id NodeID, text string) {
	if !t.Valid(id) || t.nodes[id].typ != TextType {
		return
	}
	t.nodes[id].text = text
}

func (t *Tree) detach(child NodeID) {
	p := t.nodes[child].parent
	if p == InvalidNode {
		return
	}
	siblings := t.nodes[p].children
	for i, c := range siblings {
		if c == child {
			t.nodes[p].children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	t.nodes[child].parent = InvalidNode
}

// InsertBefore inserts child under parent before anchor. A child already in
// the tree is moved. When anchor is InvalidNode or not a child of parent,
// the child is appended.
func (t *Tree) InsertBefore(parent, child, anchor NodeID) {
	if !t.Valid(parent) || !t.Valid(child) || parent == child {
		return
	}
	if t.nodes[parent].typ == TextType {
		return
	}
	t.detach(child)
	t.nodes[child].parent = parent
	siblings := t.nodes[parent].children
	if anchor != InvalidNode {
		for i, c := range siblings {
			if c == anchor {
				siblings = append(siblings[:i], append([]NodeID{child}, siblings[i:]...)...)
				t.nodes[parent].children = siblings
				return
			}
		}
	}
	t.nodes[parent].children = append(siblings, child)
}

// Append inserts child as parent's last child.
func (t *Tree) Append(parent, child NodeID) {
	t.InsertBefore(parent, child, InvalidNode)
}

// Remove detaches child from parent, clears its parent pointer, discards any
// ExecState in the subtree, and releases the subtree's slots.
func (t *Tree) Remove(parent, child NodeID) {
	if !t.Valid(child) {
		return
	}
	if t.nodes[child].parent != parent {
		return
	}
	t.detach(child)
	t.release(child)
}

func (t *Tree) release(id NodeID) {
	for _, c := range t.nodes[id].children {
		t.release(c)
	}
	t.nodes[id] = node{}
	t.free = append(t.free, id)
}

// Parent returns the parent of id, or InvalidNode.
func (t *Tree) Parent(id NodeID) NodeID {
	if !t.Valid(id) {
		return InvalidNode
	}
	return t.nodes[id].parent
}

// FirstChild returns the first child of id, or InvalidNode.
func (t *Tree) FirstChild(id NodeID) NodeID {
	if !t.Valid(id) || len(t.nodes[id].children) == 0 {
		return InvalidNode
	}
	return t.nodes[id].children[0]
}

// NextSibling returns the sibling after id under its parent, or InvalidNode.
func (t *Tree) NextSibling(id NodeID) NodeID {
	if !t.Valid(id) {
		return InvalidNode
	}
	p := t.nodes[id].parent
	if p == InvalidNode {
		return InvalidNode
	}
	siblings := t.nodes[p].children
	for i, c := range siblings {
		if c == id && i+1 < len(siblings) {
			return siblings[i+1]
		}
	}
	return InvalidNode
}

// Children returns a copy of id's child list.
func (t *Tree) Children(id NodeID) []NodeID {
	if !t.Valid(id) {
		return nil
	}
	return append([]NodeID(nil), t.nodes[id].children...)
}

// ChildCount returns the number of children of id.
func (t *Tree) ChildCount(id NodeID) int {
	if !t.Valid(id) {
		return 0
	}
	return len(t.nodes[id].children)
}

// Type returns the tag of id, or "" for an invalid id.
func (t *Tree) Type(id NodeID) string {
	if !t.Valid(id) {
		return ""
	}
	return t.nodes[id].typ
}

// Key returns the explicit identity key of id, "" when none.
func (t *Tree) Key(id NodeID) string {
	if !t.Valid(id) {
		return ""
	}
	return t.nodes[id].key
}

// Text returns the content of a text leaf.
func (t *Tree) Text(id NodeID) string {
	if !t.Valid(id) {
		return ""
	}
	return t.nodes[id].text
}

// IsText reports whether id is a text leaf.
func (t *Tree) IsText(id NodeID) bool {
	return t.Valid(id) && t.nodes[id].typ == TextType
}

// Prop returns one property value of id.
func (t *Tree) Prop(id NodeID, key string) (any, bool) {
	if !t.Valid(id) {
		return nil, false
	}
	return t.nodes[id].props.Get(key)
}

// PropString returns one property of id as a string.
func (t *Tree) PropString(id NodeID, key string) string {
	v, ok := t.Prop(id, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Props returns id's ordered properties. The returned value is the live
// property map; callers other than the reconciler must not mutate it.
func (t *Tree) Props(id NodeID) *Props {
	if !t.Valid(id) {
		return nil
	}
	return t.nodes[id].props
}

// State returns the ExecState attached to id, or nil.
func (t *Tree) State(id NodeID) *ExecState {
	if !t.Valid(id) {
		return nil
	}
	return t.nodes[id].state
}

// Warning returns the diagnostic warning attached to id, "" when none.
func (t *Tree) Warning(id NodeID) string {
	if !t.Valid(id) {
		return ""
	}
	return t.nodes[id].warning
}

// NodeCount returns the number of live nodes.
func (t *Tree) NodeCount() int {
	return len(t.nodes) - len(t.free)
}

// Walk visits the subtree rooted at id in pre-order. Returning false from
// fn aborts the walk.
func (t *Tree) Walk(id NodeID, fn func(NodeID) bool) bool {
	if !t.Valid(id) {
		return true
	}
	if !fn(id) {
		return false
	}
	for _, c := range t.nodes[id].children {
		if !t.Walk(c, fn) {
			return false
		}
	}
	return true
}

// Materialize builds the subtree described by el and returns its root.
// Nested fragments are spliced into their parent; a fragment at the root is
// kept so an anonymous wrapper can serialize as its children only.
func (t *Tree) Materialize(el *Element) NodeID {
	if el == nil {
		return InvalidNode
	}
	if el.Type == TextType {
		return t.CreateText(el.Text)
	}
	id := t.CreateElement(el.Type, el.Key, el.Props)
	t.appendChildren(id, el.Children)
	return id
}

func (t *Tree) appendChildren(parent NodeID, els []*Element) {
	for _, c := range els {
		if c == nil {
			continue
		}
		if c.Type == TagFragment {
			t.appendChildren(parent, c.Children)
			continue
		}
		t.Append(parent, t.Materialize(c))
	}
}
