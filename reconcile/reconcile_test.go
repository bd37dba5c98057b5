package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/plan"
)

func newTestTree(t *testing.T) (*plan.Tree, plan.NodeID, *Reconciler) {
	t.Helper()
	tree := plan.NewTree()
	container := tree.CreateElement(plan.TagFragment, "", nil)
	return tree, container, New(tree, nil)
}

func TestReconcile_SameDescriptionIsStable(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	desc := plan.El(plan.TagSmithers, plan.NewProps().Set("name", "demo"),
		plan.El(plan.TagPhase, plan.NewProps().Set("name", "build"),
			plan.El(plan.TagClaude, plan.NewProps().Set("model", "opus").Set("prompt", "go")),
		),
	)

	first := r.Reconcile(container, desc)
	assert.Equal(t, 3, first.Created)

	before := tree.Children(container)
	st := r.Reconcile(container, desc)
	assert.True(t, st.Empty(), "second pass should be a no-op, got %+v", st)
	assert.Equal(t, before, tree.Children(container))
}

func TestReconcile_ScalarPropChangePreservesExecState(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	build := func(prompt string) *plan.Element {
		return plan.El(plan.TagClaude, plan.NewProps().Set("model", "opus").Set("prompt", prompt))
	}

	r.Reconcile(container, build("one"))
	agent := tree.FirstChild(container)
	state := tree.State(agent)
	require.NotNil(t, state)
	state.Status = plan.StatusRunning

	st := r.Reconcile(container, build("two"))
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, 0, st.Removed)

	assert.Equal(t, agent, tree.FirstChild(container))
	assert.Same(t, state, tree.State(agent))
	assert.Equal(t, plan.StatusRunning, tree.State(agent).Status)
	assert.Equal(t, "two", tree.PropString(agent, "prompt"))
}

func TestReconcile_TypeChangeAtIdentityRecreates(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)

	r.Reconcile(container, plan.Keyed(plan.TagClaude, "worker", plan.NewProps().Set("model", "opus")))
	agent := tree.FirstChild(container)
	oldState := tree.State(agent)
	oldState.Status = plan.StatusComplete

	st := r.Reconcile(container, plan.Keyed(plan.TagHuman, "worker", plan.NewProps().Set("prompt", "ok?")))
	assert.Equal(t, 1, st.Created)
	assert.Equal(t, 1, st.Removed)

	replacement := tree.FirstChild(container)
	assert.Equal(t, plan.TagHuman, tree.Type(replacement))
	require.NotNil(t, tree.State(replacement))
	assert.NotSame(t, oldState, tree.State(replacement))
	assert.Equal(t, plan.StatusPending, tree.State(replacement).Status)
}

func TestReconcile_KeyedReorderMovesWithoutRecreate(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	forward := plan.Fragment(
		plan.Keyed(plan.TagStep, "a", plan.NewProps().Set("name", "a")),
		plan.Keyed(plan.TagStep, "b", plan.NewProps().Set("name", "b")),
		plan.Keyed(plan.TagStep, "c", plan.NewProps().Set("name", "c")),
	)
	r.Reconcile(container, forward)
	orig := tree.Children(container)
	require.Len(t, orig, 3)

	reversed := plan.Fragment(
		plan.Keyed(plan.TagStep, "c", plan.NewProps().Set("name", "c")),
		plan.Keyed(plan.TagStep, "b", plan.NewProps().Set("name", "b")),
		plan.Keyed(plan.TagStep, "a", plan.NewProps().Set("name", "a")),
	)
	st := r.Reconcile(container, reversed)
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, 0, st.Removed)
	assert.Positive(t, st.Moved)

	assert.Equal(t, []plan.NodeID{orig[2], orig[1], orig[0]}, tree.Children(container))
}

func TestReconcile_OrdinalIdentityAmongSameTypeSiblings(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	two := plan.Fragment(
		plan.El(plan.TagClaude, plan.NewProps().Set("prompt", "first")),
		plan.El(plan.TagClaude, plan.NewProps().Set("prompt", "second")),
	)
	r.Reconcile(container, two)
	kids := tree.Children(container)
	require.Len(t, kids, 2)
	firstState := tree.State(kids[0])

	// Dropping to one claude keeps ordinal 0: the first node survives.
	one := plan.Fragment(plan.El(plan.TagClaude, plan.NewProps().Set("prompt", "only")))
	st := r.Reconcile(container, one)
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, 1, st.Removed)

	remaining := tree.Children(container)
	require.Len(t, remaining, 1)
	assert.Equal(t, kids[0], remaining[0])
	assert.Same(t, firstState, tree.State(remaining[0]))
	assert.False(t, tree.Valid(kids[1]))
}

func TestReconcile_RemovalDetachesAndDiscardsState(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	full := plan.El(plan.TagSmithers, nil,
		plan.El(plan.TagPhase, plan.NewProps().Set("name", "work"),
			plan.El(plan.TagClaude, plan.NewProps().Set("prompt", "x")),
		),
	)
	r.Reconcile(container, full)
	root := tree.FirstChild(container)
	phase := tree.FirstChild(root)
	agent := tree.FirstChild(phase)
	require.True(t, tree.Valid(agent))

	empty := plan.El(plan.TagSmithers, nil)
	st := r.Reconcile(container, empty)
	assert.Equal(t, 1, st.Removed)
	assert.False(t, tree.Valid(phase))
	assert.False(t, tree.Valid(agent))
	assert.Equal(t, 0, tree.ChildCount(root))
}

func TestReconcile_TextUpdatesInPlace(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	r.Reconcile(container, plan.El(plan.TagStep, nil, plan.Text("hello")))
	step := tree.FirstChild(container)
	text := tree.FirstChild(step)

	st := r.Reconcile(container, plan.El(plan.TagStep, nil, plan.Text("goodbye")))
	assert.Equal(t, 1, st.TextUpdates)
	assert.Equal(t, 0, st.Created)
	assert.Equal(t, text, tree.FirstChild(step))
	assert.Equal(t, "goodbye", tree.Text(text))
}

func TestReconcile_PropRemovalDeletes(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	r.Reconcile(container, plan.El(plan.TagStep, plan.NewProps().Set("name", "a").Set("retries", 3)))
	step := tree.FirstChild(container)

	r.Reconcile(container, plan.El(plan.TagStep, plan.NewProps().Set("name", "a")))
	_, ok := tree.Prop(step, "retries")
	assert.False(t, ok)
	assert.Equal(t, "a", tree.PropString(step, "name"))
}

func TestReconcile_NestedFragmentsSplice(t *testing.T) {
	t.Parallel()

	tree, container, r := newTestTree(t)
	desc := plan.El(plan.TagSmithers, nil,
		plan.Fragment(
			plan.El(plan.TagPhase, plan.NewProps().Set("name", "a")),
			plan.El(plan.TagPhase, plan.NewProps().Set("name", "b")),
		),
	)
	r.Reconcile(container, desc)
	root := tree.FirstChild(container)
	require.Equal(t, 2, tree.ChildCount(root))

	// Re-reconciling the same shape keeps both spliced children.
	st := r.Reconcile(container, desc)
	assert.True(t, st.Empty())
}
