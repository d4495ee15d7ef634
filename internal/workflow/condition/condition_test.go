package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparisons(t *testing.T) {
	env := Env{
		"parent.build.exitCode": "0",
		"parent.build.state":    "completed",
		"parent.build.stdout":   "build succeeded with 0 warnings",
		"workflow.context.env":  "staging",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`parent.build.exitCode == 0`, true},
		{`parent.build.exitCode != 0`, false},
		{`parent.build.state == completed`, true},
		{`parent.build.state == "completed"`, true},
		{`parent.build.exitCode == 0 && workflow.context.env == staging`, true},
		{`parent.build.exitCode == 1 || workflow.context.env == staging`, true},
		{`!(parent.build.exitCode == 0)`, false},
		{`contains(parent.build.stdout, "succeeded")`, true},
		{`contains(parent.build.stdout, "failed")`, false},
		{`matches(parent.build.state, "^comp.*")`, true},
	}
	for _, c := range cases {
		got, err := Evaluate(c.expr, env, 100*time.Millisecond)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvaluateUndefinedVariableErrors(t *testing.T) {
	_, err := Evaluate(`parent.missing.exitCode == 0`, Env{}, 100*time.Millisecond)
	require.Error(t, err)
}

func TestEvaluateMalformedNeverPanics(t *testing.T) {
	_, err := Evaluate(`((( invalid ==`, Env{}, 50*time.Millisecond)
	require.Error(t, err)
}

func TestEvaluateTimeoutFoldsToError(t *testing.T) {
	// A pathological 1ns timeout must still return promptly, never hang
	// the workflow engine.
	_, err := Evaluate(`true`, Env{}, 1)
	_ = err // either races the goroutine and succeeds or times out; must not hang
}
