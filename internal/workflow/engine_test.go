package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/types"
)

func TestEvaluateReadyRootTasks(t *testing.T) {
	w := &types.Workflow{
		Tasks: map[string]types.TaskDefinition{
			"build": {Key: "build"},
			"test":  {Key: "test", DependsOn: []string{"build"}},
		},
		TaskIDs: map[string]string{"build": "t-build", "test": "t-test"},
	}
	tasks := map[string]*types.Task{
		"t-build": {ID: "t-build", State: types.TaskPending},
		"t-test":  {ID: "t-test", State: types.TaskPending},
	}
	dec := Evaluate(w, func(id string) (*types.Task, bool) { t, ok := tasks[id]; return t, ok }, 100*time.Millisecond)
	assert.ElementsMatch(t, []string{"build"}, dec.ReadyKeys)
	assert.Empty(t, dec.SkipKeys)
	assert.False(t, dec.Complete)
}

func TestEvaluateCascadeSkipOnFailedParent(t *testing.T) {
	w := &types.Workflow{
		Tasks: map[string]types.TaskDefinition{
			"build": {Key: "build"},
			"test":  {Key: "test", DependsOn: []string{"build"}},
		},
		TaskIDs: map[string]string{"build": "t-build", "test": "t-test"},
	}
	tasks := map[string]*types.Task{
		"t-build": {ID: "t-build", State: types.TaskDeadLetter},
		"t-test":  {ID: "t-test", State: types.TaskPending},
	}
	dec := Evaluate(w, func(id string) (*types.Task, bool) { t, ok := tasks[id]; return t, ok }, 100*time.Millisecond)
	assert.ElementsMatch(t, []string{"test"}, dec.SkipKeys)
	assert.Empty(t, dec.ReadyKeys)
}

func TestEvaluateConditionGatesTask(t *testing.T) {
	w := &types.Workflow{
		Tasks: map[string]types.TaskDefinition{
			"build":  {Key: "build"},
			"notify": {Key: "notify", DependsOn: []string{"build"}, Condition: "parent.build.exitCode == 0"},
		},
		TaskIDs: map[string]string{"build": "t-build", "notify": "t-notify"},
	}
	tasks := map[string]*types.Task{
		"t-build":  {ID: "t-build", State: types.TaskCompleted, Result: &types.TaskResult{ExitCode: 1}},
		"t-notify": {ID: "t-notify", State: types.TaskPending},
	}
	dec := Evaluate(w, func(id string) (*types.Task, bool) { t, ok := tasks[id]; return t, ok }, 100*time.Millisecond)
	assert.ElementsMatch(t, []string{"notify"}, dec.SkipKeys)
}

func TestEvaluateCompleteWhenAllTerminal(t *testing.T) {
	w := &types.Workflow{
		Tasks:   map[string]types.TaskDefinition{"only": {Key: "only"}},
		TaskIDs: map[string]string{"only": "t1"},
	}
	tasks := map[string]*types.Task{"t1": {ID: "t1", State: types.TaskCompleted}}
	dec := Evaluate(w, func(id string) (*types.Task, bool) { t, ok := tasks[id]; return t, ok }, 100*time.Millisecond)
	assert.True(t, dec.Complete)
	assert.False(t, dec.Failed)
}

func TestEvaluateNotYetSubmittedBlocksCompletion(t *testing.T) {
	w := &types.Workflow{
		Tasks:   map[string]types.TaskDefinition{"only": {Key: "only"}},
		TaskIDs: map[string]string{},
	}
	dec := Evaluate(w, func(string) (*types.Task, bool) { return nil, false }, 100*time.Millisecond)
	assert.False(t, dec.Complete)
	assert.Empty(t, dec.ReadyKeys)
}

func TestDetectCycle(t *testing.T) {
	acyclic := &types.Workflow{Tasks: map[string]types.TaskDefinition{
		"a": {Key: "a"},
		"b": {Key: "b", DependsOn: []string{"a"}},
	}}
	require.False(t, DetectCycle(acyclic))

	cyclic := &types.Workflow{Tasks: map[string]types.TaskDefinition{
		"a": {Key: "a", DependsOn: []string{"b"}},
		"b": {Key: "b", DependsOn: []string{"a"}},
	}}
	require.True(t, DetectCycle(cyclic))
}
