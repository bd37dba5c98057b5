package smithers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers-go/backend"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/types"
)

func staticProgram(t *testing.T, tree string) Program {
	t.Helper()
	root, err := plan.ParseOne(tree)
	require.NoError(t, err)
	return engine.NewStaticProgram("facade", root)
}

func TestRun_DefaultsToMemoryStoreAndMock(t *testing.T) {
	program := staticProgram(t, `<smithers name="facade"><claude name="step">do the thing</claude></smithers>`)

	outcome, err := Run(context.Background(), program)
	require.NoError(t, err)
	assert.True(t, outcome.Converged())
	assert.Contains(t, outcome.OutputText(), "do the thing")
}

func TestRun_WithBackend(t *testing.T) {
	mock := backend.NewMock(backend.Script{
		Result: &types.Result{OutputText: "scripted"},
	})
	program := staticProgram(t, `<smithers name="facade"><claude name="step">hi</claude></smithers>`)

	outcome, err := Run(context.Background(), program, WithBackend(mock), WithMaxFrames(10))
	require.NoError(t, err)
	assert.True(t, outcome.Converged())
	assert.Equal(t, "scripted", outcome.OutputText())
	assert.Equal(t, 1, mock.CallCount())
}
