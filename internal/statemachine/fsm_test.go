package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

func newTestFSM(t *testing.T) (*FSM, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), dir
}

func apply(t *testing.T, f *FSM, kind types.EntryKind, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd := types.Command{Kind: kind, Payload: data}
	cmdData, err := json.Marshal(cmd)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: 1, Data: cmdData})
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	f, _ := newTestFSM(t)

	task := &types.Task{ID: "t1", Command: []string{"echo", "hi"}, RetryPolicy: types.RetryPolicy{MaxRetries: 2, BackoffMs: 100, BackoffMultiplier: 2}}
	res := apply(t, f, types.EntryTaskSubmit, task).(ApplyResult)
	require.NoError(t, res.Err)
	require.Equal(t, ActionReschedule, res.Action)

	apply(t, f, types.EntryTaskAssign, taskAssignPayload{TaskID: "t1", NodeID: "n1"})
	apply(t, f, types.EntryTaskStart, taskIDPayload{TaskID: "t1"})

	got, err := f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, got.State)
	require.Equal(t, 1, got.Attempt)

	res = apply(t, f, types.EntryTaskComplete, taskCompletePayload{TaskID: "t1", Result: types.TaskResult{ExitCode: 0}}).(ApplyResult)
	require.NoError(t, res.Err)

	got, err = f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, got.State)
	require.NotNil(t, got.Result)
	require.Equal(t, 0, got.Result.ExitCode)
}

func TestTaskRetryThenDeadLetter(t *testing.T) {
	f, _ := newTestFSM(t)

	task := &types.Task{ID: "t1", Command: []string{"false"}, RetryPolicy: types.RetryPolicy{MaxRetries: 1, BackoffMs: 50, BackoffMultiplier: 2, Retryable: true}}
	apply(t, f, types.EntryTaskSubmit, task)
	apply(t, f, types.EntryTaskAssign, taskAssignPayload{TaskID: "t1", NodeID: "n1"})
	apply(t, f, types.EntryTaskStart, taskIDPayload{TaskID: "t1"}) // attempt=1

	res := apply(t, f, types.EntryTaskFail, taskFailPayload{TaskID: "t1", Result: types.TaskResult{ExitCode: 1}}).(ApplyResult)
	require.Equal(t, ActionRetryTask, res.Action)

	apply(t, f, types.EntryTaskRetry, taskIDPayload{TaskID: "t1"})
	got, err := f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskQueued, got.State)

	apply(t, f, types.EntryTaskAssign, taskAssignPayload{TaskID: "t1", NodeID: "n1"})
	apply(t, f, types.EntryTaskStart, taskIDPayload{TaskID: "t1"}) // attempt=2, exceeds MaxRetries=1

	res = apply(t, f, types.EntryTaskFail, taskFailPayload{TaskID: "t1", Result: types.TaskResult{ExitCode: 1}}).(ApplyResult)
	require.Equal(t, ActionDeadLetterTask, res.Action)

	got, err = f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, got.State)

	apply(t, f, types.EntryTaskDeadLetter, taskDeadLetterPayload{TaskID: "t1", Reason: "max retries exceeded"})
	got, err = f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskDeadLetter, got.State)
}

func TestUnknownEntryKindIsNoOp(t *testing.T) {
	f, _ := newTestFSM(t)
	res := apply(t, f, types.EntryKind("future_kind_v2"), map[string]string{}).(ApplyResult)
	require.NoError(t, res.Err)
}

func TestNodeOfflineRequeuesAssignedTasks(t *testing.T) {
	f, _ := newTestFSM(t)
	require.NoError(t, f.store.CreateNode(&types.Node{ID: "n1"}))

	task := &types.Task{ID: "t1", Command: []string{"x"}}
	apply(t, f, types.EntryTaskSubmit, task)
	apply(t, f, types.EntryTaskAssign, taskAssignPayload{TaskID: "t1", NodeID: "n1"})
	apply(t, f, types.EntryTaskStart, taskIDPayload{TaskID: "t1"})

	res := apply(t, f, types.EntryNodeOffline, nodeIDPayload{NodeID: "n1"}).(ApplyResult)
	require.Equal(t, ActionRequeueTasks, res.Action)
	require.Equal(t, []string{"t1"}, res.TaskIDs)

	// the FSM itself leaves the task's state untouched; the apply bus
	// driver is responsible for proposing the follow-up task_fail that
	// actually requeues or dead-letters it.
	got, err := f.store.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskRunning, got.State)

	res = apply(t, f, types.EntryTaskFail, taskFailPayload{TaskID: "t1", Result: types.TaskResult{ExitCode: -1}, Reason: "node offline"}).(ApplyResult)
	require.Equal(t, ActionDeadLetterTask, res.Action)
}
