package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsBannedBuiltins(t *testing.T) {
	banned := []string{
		`now`,
		`.data | now`,
		`{data: (.data + {ts: now})}`,
		`env`,
		`if .data.x then now else 1 end`,
		`def f: now; f`,
		`try now catch 0`,
		`reduce .data.items[] as $i (0; . + now)`,
	}
	for _, source := range banned {
		_, err := Compile(source)
		require.Error(t, err, "source %q should not compile", source)
		assert.Contains(t, err.Error(), "not allowed")
	}
}

func TestCompileRejectsSyntaxErrors(t *testing.T) {
	_, err := Compile(`{data: `)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile error")
}

func TestRunUpdatesWorkflowData(t *testing.T) {
	prog, err := Compile(`{data: (.data + {total: (.data.amount * 2)})}`)
	require.NoError(t, err)

	outcome, err := prog.Run(map[string]any{"amount": 21.0}, nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Data)
	assert.Equal(t, float64(42), outcome.Data["total"])
	assert.Equal(t, float64(21), outcome.Data["amount"])
	assert.Nil(t, outcome.TaskData)
	assert.False(t, outcome.HasResult)
}

func TestRunDoesNotMutateInput(t *testing.T) {
	data := map[string]any{"amount": 10.0}
	prog, err := Compile(`{data: (.data + {amount: 99})}`)
	require.NoError(t, err)

	_, err = prog.Run(data, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, data["amount"])
}

func TestRunScalarResult(t *testing.T) {
	prog, err := Compile(`.data.amount + 1`)
	require.NoError(t, err)

	outcome, err := prog.Run(map[string]any{"amount": 4.0}, nil)
	require.NoError(t, err)
	assert.True(t, outcome.HasResult)
	assert.Equal(t, float64(5), outcome.Result)
}

func TestRunObjectWithoutRecognizedKeysIsResult(t *testing.T) {
	prog, err := Compile(`{approved: true}`)
	require.NoError(t, err)

	outcome, err := prog.Run(nil, nil)
	require.NoError(t, err)
	require.True(t, outcome.HasResult)
	assert.Equal(t, map[string]any{"approved": true}, outcome.Result)
}

func TestRunErrorSurfacesAsRuntimeError(t *testing.T) {
	prog, err := Compile(`error("boom")`)
	require.NoError(t, err)

	_, err = prog.Run(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunRejectsMultipleValues(t *testing.T) {
	prog, err := Compile(`.data.items[]`)
	require.NoError(t, err)

	_, err = prog.Run(map[string]any{"items": []any{1, 2}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one value")
}

func TestRunIsDeterministic(t *testing.T) {
	prog, err := Compile(`{data: (.data + {doubled: (.data.n * 2)})}`)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		outcome, err := prog.Run(map[string]any{"n": 7.0}, nil)
		require.NoError(t, err)
		assert.Equal(t, float64(14), outcome.Data["doubled"])
	}
}

func TestEvalCondition(t *testing.T) {
	data := map[string]any{"amount": 150.0, "approved": false}

	taken, err := EvalCondition(`.amount > 100`, data)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = EvalCondition(`.amount > 1000`, data)
	require.NoError(t, err)
	assert.False(t, taken)

	// jq truthiness: null and false are falsy, everything else truthy.
	taken, err = EvalCondition(`.approved`, data)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = EvalCondition(`.missing`, data)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = EvalCondition(`.amount`, data)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestEvalConditionRejectsBannedBuiltins(t *testing.T) {
	_, err := EvalCondition(`now > 0`, map[string]any{})
	require.Error(t, err)
}
