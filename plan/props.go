package plan

// ChildrenProp is the reserved children-channel property key. The authoring
// layer expresses children structurally, so a literal "children" prop is
// never serialized and never applied by the reconciler.
const ChildrenProp = "children"

// Prop is a single key/value property.
type Prop struct {
	Key   string
	Value any
}

// Props is an ordered key→value property map. Insertion order is preserved
// and is significant for serialization; updating an existing key keeps its
// original position.
type Props struct {
	list  []Prop
	index map[string]int
}

// NewProps returns an empty ordered property map.
func NewProps() *Props {
	return &Props{index: make(map[string]int)}
}

// P builds Props from alternating key/value pairs, preserving pair order.
// It panics on an odd pair count or a non-string key; it is meant for
// literal construction in authoring code and tests.
func P(pairs ...any) *Props {
	if len(pairs)%2 != 0 {
		panic("plan.P: odd number of arguments")
	}
	p := NewProps()
	for i := 0; i < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			panic("plan.P: prop key must be a string")
		}
		p.Set(k, pairs[i+1])
	}
	return p
}

// Set adds the key at the end of the order, or updates it in place.
// It returns the receiver for chaining.
func (p *Props) Set(key string, value any) *Props {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[key]; ok {
		p.list[i].Value = value
		return p
	}
	p.index[key] = len(p.list)
	p.list = append(p.list, Prop{Key: key, Value: value})
	return p
}

// Get returns the value for key.
func (p *Props) Get(key string) (any, bool) {
	if p == nil || p.index == nil {
		return nil, false
	}
	i, ok := p.index[key]
	if !ok {
		return nil, false
	}
	return p.list[i].Value, true
}

// GetString returns the value for key when it is a string.
func (p *Props) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Delete removes key, preserving the order of the remaining props.
func (p *Props) Delete(key string) {
	if p == nil || p.index == nil {
		return
	}
	i, ok := p.index[key]
	if !ok {
		return
	}
	p.list = append(p.list[:i], p.list[i+1:]...)
	delete(p.index, key)
	for j := i; j < len(p.list); j++ {
		p.index[p.list[j].Key] = j
	}
}

// Len returns the number of props.
func (p *Props) Len() int {
	if p == nil {
		return 0
	}
	return len(p.list)
}

// Keys returns the keys in insertion order.
func (p *Props) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, len(p.list))
	for i, pr := range p.list {
		keys[i] = pr.Key
	}
	return keys
}

// Range calls fn for each prop in insertion order until fn returns false.
func (p *Props) Range(fn func(key string, value any) bool) {
	if p == nil {
		return
	}
	for _, pr := range p.list {
		if !fn(pr.Key, pr.Value) {
			return
		}
	}
}

// Clone returns an independent copy preserving order.
func (p *Props) Clone() *Props {
	out := NewProps()
	if p == nil {
		return out
	}
	for _, pr := range p.list {
		out.Set(pr.Key, pr.Value)
	}
	return out
}
