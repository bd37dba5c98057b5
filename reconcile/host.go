package reconcile

import "github.com/evmts/smithers-go/plan"

// Host is the primitive edit surface the reconciler drives. plan.Tree
// implements it; tests may substitute recording hosts.
//
// InsertBefore must append when the anchor is InvalidNode or not a child of
// parent, and must move a child that is already attached elsewhere. Remove
// must clear the child's parent pointer and discard any execution state in
// the detached subtree. SetProp must ignore the reserved children-channel
// key.
type Host interface {
	CreateElement(typ, key string, props *plan.Props) plan.NodeID
	CreateText(text string) plan.NodeID
	SetProp(id plan.NodeID, key string, value any)
	DeleteProp(id plan.NodeID, key string)
	SetText(id plan.NodeID, text string)
	InsertBefore(parent, child, anchor plan.NodeID)
	Remove(parent, child plan.NodeID)

	Parent(id plan.NodeID) plan.NodeID
	FirstChild(id plan.NodeID) plan.NodeID
	NextSibling(id plan.NodeID) plan.NodeID

	Type(id plan.NodeID) string
	Key(id plan.NodeID) string
	Text(id plan.NodeID) string
	IsText(id plan.NodeID) bool
	Props(id plan.NodeID) *plan.Props
}
