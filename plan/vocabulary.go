package plan

// Node type tags. The vocabulary is closed: the scheduler dispatches only
// tags whose Spec marks them executable, and the serializer's warning pass
// flags recognized tags nested under tags outside this set.
const (
	TagSmithers = "smithers"
	TagPhase    = "phase"
	TagStep     = "step"
	TagRalph    = "ralph"
	TagIf       = "if"
	TagWhile    = "while"
	TagEach     = "each"
	TagFragment = "fragment"
	TagClaude   = "claude"
	TagHuman    = "human"
	TagStop     = "stop"
	TagEnd      = "end"
)

// TextType is the pseudo-type of text leaves. It is outside the vocabulary
// and never executes.
const TextType = "#text"

// Spec describes one vocabulary tag: whether the scheduler dispatches it,
// whether it designates the run's terminal result, and the props the tag
// declares. Dispatch behavior itself lives in the scheduler's handler table,
// keyed by tag.
type Spec struct {
	Tag        string
	Executable bool
	Terminal   bool
	Props      []string
}

var vocabulary = map[string]Spec{
	TagSmithers: {Tag: TagSmithers, Props: []string{"name"}},
	TagPhase:    {Tag: TagPhase, Props: []string{"name"}},
	TagStep:     {Tag: TagStep, Props: []string{"name"}},
	TagRalph:    {Tag: TagRalph, Props: []string{"id", "maxIterations"}},
	TagIf:       {Tag: TagIf, Props: []string{"condition"}},
	TagWhile:    {Tag: TagWhile, Props: []string{"condition"}},
	TagEach:     {Tag: TagEach, Props: []string{"items", "as"}},
	TagFragment: {Tag: TagFragment},
	TagClaude: {
		Tag:        TagClaude,
		Executable: true,
		Props:      []string{"name", "model", "prompt", "systemPrompt", "tools", "outputSchema", "maxTurns", "workingDir", "onComplete", "onError"},
	},
	TagHuman: {
		Tag:        TagHuman,
		Executable: true,
		Props:      []string{"name", "prompt", "onComplete", "onError"},
	},
	TagStop: {Tag: TagStop, Props: []string{"reason"}},
	TagEnd:  {Tag: TagEnd, Terminal: true, Props: []string{"summary", "reason"}},
}

// LookupSpec returns the Spec for a tag.
func LookupSpec(tag string) (Spec, bool) {
	s, ok := vocabulary[tag]
	return s, ok
}

// Recognized reports whether tag belongs to the closed vocabulary.
func Recognized(tag string) bool {
	_, ok := vocabulary[tag]
	return ok
}

// Executable reports whether the scheduler dispatches nodes of this tag.
func Executable(tag string) bool {
	s, ok := vocabulary[tag]
	return ok && s.Executable
}

// TerminalTag reports whether the tag designates the run's terminal result.
func TerminalTag(tag string) bool {
	s, ok := vocabulary[tag]
	return ok && s.Terminal
}

// Tags returns the vocabulary tags in no particular order.
func Tags() []string {
	out := make([]string, 0, len(vocabulary))
	for tag := range vocabulary {
		out = append(out, tag)
	}
	return out
}
