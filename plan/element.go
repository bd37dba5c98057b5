package plan

import "fmt"

// Element is an immutable node description produced by the authoring layer.
// The reconciler diffs elements against the live tree; elements themselves
// carry no execution state.
type Element struct {
	Type     string
	Key      string
	Props    *Props
	Children []*Element

	// Text holds the content of TextType elements.
	Text string
}

// El builds an element of the given type. Nil children are dropped so
// conditional branches can return nil.
func El(typ string, props *Props, children ...*Element) *Element {
	return &Element{Type: typ, Props: props, Children: compactElements(children)}
}

// Keyed builds an element with an explicit identity key.
func Keyed(typ, key string, props *Props, children ...*Element) *Element {
	el := El(typ, props, children...)
	el.Key = key
	return el
}

// Text builds a text leaf. The string is stored verbatim; the serializer
// escapes on output.
func Text(s string) *Element {
	return &Element{Type: TextType, Text: s}
}

// Textf builds a formatted text leaf.
func Textf(format string, args ...any) *Element {
	return Text(fmt.Sprintf(format, args...))
}

// Fragment groups children without introducing a tag. A fragment at the
// root serializes as its children only; nested fragments are spliced into
// their parent during reconciliation.
func Fragment(children ...*Element) *Element {
	return &Element{Type: TagFragment, Children: compactElements(children)}
}

func compactElements(els []*Element) []*Element {
	n := 0
	for _, el := range els {
		if el != nil {
			n++
		}
	}
	if n == len(els) {
		return els
	}
	out := make([]*Element, 0, n)
	for _, el := range els {
		if el != nil {
			out = append(out, el)
		}
	}
	return out
}

// Flatten returns the element's children with nested fragments spliced in,
// nils dropped. This is the child list identity resolution operates on.
func (e *Element) Flatten() []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	var splice func(els []*Element)
	splice = func(els []*Element) {
		for _, c := range els {
			if c == nil {
				continue
			}
			if c.Type == TagFragment {
				splice(c.Children)
				continue
			}
			out = append(out, c)
		}
	}
	splice(e.Children)
	return out
}
