package plan

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Serialize renders the subtree at root to canonical tagged text and
// refreshes diagnostic warnings for the subtree. A fragment root is an
// anonymous wrapper: only its children's output is emitted.
func Serialize(t *Tree, root NodeID) string {
	if !t.Valid(root) {
		return ""
	}
	RefreshWarnings(t, root)
	var b strings.Builder
	if t.nodes[root].typ == TagFragment {
		writeChildrenOnly(&b, t, root)
	} else {
		writeNode(&b, t, root, 0)
	}
	return b.String()
}

// SerializeElement renders an element description without an existing tree.
func SerializeElement(el *Element) string {
	t := NewTree()
	return Serialize(t, t.Materialize(el))
}

func writeChildrenOnly(b *strings.Builder, t *Tree, root NodeID) {
	rendered := make([]string, 0, len(t.nodes[root].children))
	hasText := false
	for _, c := range t.nodes[root].children {
		if t.nodes[c].typ == TextType {
			hasText = true
		}
		var cb strings.Builder
		writeNode(&cb, t, c, 0)
		if cb.Len() > 0 {
			rendered = append(rendered, cb.String())
		}
	}
	if hasText {
		b.WriteString(strings.Join(rendered, ""))
		return
	}
	b.WriteString(strings.Join(rendered, "\n"))
}

func writeNode(b *strings.Builder, t *Tree, id NodeID, depth int) {
	n := &t.nodes[id]
	if n.typ == TextType {
		b.WriteString(EscapeText(n.text))
		return
	}

	tag := n.typ
	b.WriteByte('<')
	b.WriteString(tag)
	if n.key != "" {
		b.WriteString(` key="`)
		b.WriteString(EscapeText(n.key))
		b.WriteByte('"')
	}
	n.props.Range(func(key string, value any) bool {
		if key == ChildrenProp {
			return true
		}
		s, ok := formatPropValue(value)
		if !ok {
			return true
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteString(`="`)
		b.WriteString(EscapeText(s))
		b.WriteByte('"')
		return true
	})

	rendered := make([]string, 0, len(n.children))
	hasText := false
	for _, c := range n.children {
		if t.nodes[c].typ == TextType {
			hasText = true
		}
		var cb strings.Builder
		writeNode(&cb, t, c, depth+1)
		if cb.Len() > 0 {
			rendered = append(rendered, cb.String())
		}
	}

	if len(rendered) == 0 {
		b.WriteString(" />")
		return
	}

	b.WriteByte('>')
	if hasText {
		// Text content stays inline with no added indentation.
		for _, r := range rendered {
			b.WriteString(r)
		}
	} else {
		indent := strings.Repeat("  ", depth+1)
		for _, r := range rendered {
			b.WriteByte('\n')
			b.WriteString(indent)
			b.WriteString(r)
		}
		b.WriteByte('\n')
		b.WriteString(strings.Repeat("  ", depth))
	}
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteByte('>')
}

// EscapeText escapes text for the canonical form. The ampersand is replaced
// first so already-escaped input double-escapes instead of passing through.
func EscapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

func formatPropValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint:
		return strconv.FormatUint(uint64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case json.RawMessage:
		return string(val), true
	case fmt.Stringer:
		return val.String(), true
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Func {
			return "", false
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "[non-serializable]", true
		}
		return string(data), true
	}
}
