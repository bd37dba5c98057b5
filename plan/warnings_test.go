package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarnings_RecognizedNodeUnderUnknownParent(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	root := tree.CreateElement(TagSmithers, "", nil)
	alien := tree.CreateElement("widget", "", nil)
	agent := tree.CreateElement(TagClaude, "", nil)
	tree.Append(root, alien)
	tree.Append(alien, agent)

	warnings := RefreshWarnings(tree, root)
	require.Len(t, warnings, 1)
	assert.Equal(t, agent, warnings[0].Node)
	assert.Equal(t, TagClaude, warnings[0].Tag)
	assert.Equal(t, "widget", warnings[0].ParentTag)
	assert.NotEmpty(t, tree.Warning(agent))

	// Unknown tags themselves are not flagged, and valid nesting is clean.
	assert.Empty(t, tree.Warning(alien))
	assert.Empty(t, tree.Warning(root))
}

func TestWarnings_SerializeIsIdempotent(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	root := tree.CreateElement(TagSmithers, "", nil)
	alien := tree.CreateElement("widget", "", nil)
	agent := tree.CreateElement(TagClaude, "", nil)
	tree.Append(root, alien)
	tree.Append(alien, agent)

	for i := 0; i < 5; i++ {
		Serialize(tree, root)
		warnings := RefreshWarnings(tree, root)
		require.Len(t, warnings, 1, "pass %d", i)
	}
}

func TestWarnings_ClearedWhenStructureChanges(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	root := tree.CreateElement(TagSmithers, "", nil)
	alien := tree.CreateElement("widget", "", nil)
	agent := tree.CreateElement(TagClaude, "", nil)
	tree.Append(root, alien)
	tree.Append(alien, agent)

	require.Len(t, RefreshWarnings(tree, root), 1)

	// Reparent under a vocabulary tag: the warning must clear.
	tree.InsertBefore(root, agent, InvalidNode)
	warnings := RefreshWarnings(tree, root)
	assert.Empty(t, warnings)
	assert.Empty(t, tree.Warning(agent))
}

func TestWarnings_RootNodeNeverFlagged(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	agent := tree.CreateElement(TagClaude, "", nil)
	assert.Empty(t, RefreshWarnings(tree, agent))
}
