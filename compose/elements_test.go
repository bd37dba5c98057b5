package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/types"
)

func TestAgentOptions(t *testing.T) {
	el := Agent("writer", "write it",
		Model("sonnet"),
		SystemPrompt("be brief"),
		Tools("read_file", "write_file"),
		MaxTurns(3),
		WorkingDir("/tmp/work"),
		Key("writer-1"),
	)

	assert.Equal(t, plan.TagClaude, el.Type)
	assert.Equal(t, "writer-1", el.Key)

	name, _ := el.Props.GetString("name")
	assert.Equal(t, "writer", name)
	prompt, _ := el.Props.GetString("prompt")
	assert.Equal(t, "write it", prompt)
	model, _ := el.Props.GetString("model")
	assert.Equal(t, "sonnet", model)

	tools, ok := el.Props.Get("tools")
	require.True(t, ok)
	assert.Equal(t, []string{"read_file", "write_file"}, tools)

	turns, _ := el.Props.Get("maxTurns")
	assert.Equal(t, 3, turns)
}

func TestAgentCallbacks(t *testing.T) {
	completed := false
	failed := false

	el := Agent("a", "p",
		OnComplete(func(*types.Result) { completed = true }),
		OnError(func(error) { failed = true }),
	)

	v, ok := el.Props.Get("onComplete")
	require.True(t, ok)
	onComplete, ok := v.(func(*types.Result))
	require.True(t, ok)
	onComplete(nil)
	assert.True(t, completed)

	v, ok = el.Props.Get("onError")
	require.True(t, ok)
	onError, ok := v.(func(error))
	require.True(t, ok)
	onError(assert.AnError)
	assert.True(t, failed)
}

func TestIfAndWhile(t *testing.T) {
	assert.Nil(t, If(false, Text("x")))

	el := If(true, Text("x"))
	require.NotNil(t, el)
	assert.Equal(t, plan.TagIf, el.Type)

	assert.Nil(t, While(false, Text("x")))
	assert.Equal(t, plan.TagWhile, While(true, Text("x")).Type)
}

func TestEachRendersKeyedChildren(t *testing.T) {
	el := Each([]string{"api", "web"}, func(item string, i int) *plan.Element {
		return Agent(item, "deploy "+item, Key(item))
	})

	assert.Equal(t, plan.TagEach, el.Type)
	require.Len(t, el.Children, 2)
	assert.Equal(t, "api", el.Children[0].Key)
	assert.Equal(t, "web", el.Children[1].Key)
}

func TestWorkflowSerializedForm(t *testing.T) {
	el := Workflow("release",
		Phase("build",
			Agent("builder", "build the thing", Model("sonnet")),
		),
		Human("gate", "ship it?"),
		Stop("manual halt"),
		End("done"),
	)

	text := plan.SerializeElement(el)
	assert.Contains(t, text, `<smithers name="release">`)
	assert.Contains(t, text, `<claude name="builder" prompt="build the thing" model="sonnet" />`)
	assert.Contains(t, text, `<human name="gate" prompt="ship it?" />`)
	assert.Contains(t, text, `<stop reason="manual halt" />`)
	assert.Contains(t, text, `<end summary="done" />`)
}

func TestRalphProps(t *testing.T) {
	el := Ralph("fix-loop", 5, Agent("fixer", "fix the tests"))

	assert.Equal(t, plan.TagRalph, el.Type)
	id, _ := el.Props.GetString("id")
	assert.Equal(t, "fix-loop", id)
	max, _ := el.Props.Get("maxIterations")
	assert.Equal(t, 5, max)
	require.Len(t, el.Children, 1)
}
