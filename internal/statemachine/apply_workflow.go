package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/forge-cluster/forge/internal/types"
)

func (f *FSM) applyWorkflowSubmit(raw json.RawMessage) ApplyResult {
	var w types.Workflow
	if err := json.Unmarshal(raw, &w); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowSubmit: %w", err)}
	}
	w.State = types.WorkflowRunning
	w.CreatedAt = nowUTC()
	w.UpdatedAt = nowUTC()
	w.TaskIDs = make(map[string]string, len(w.Tasks))

	// Every task definition gets a row up front, in TaskPending, so the
	// DAG (internal/workflow.Evaluate) always has something to look up
	// by key; workflow_advance later transitions the row in place to
	// queued or skipped rather than creating it late.
	for key, def := range w.Tasks {
		taskID := w.ID + "/" + key
		t := &types.Task{
			ID:          taskID,
			WorkflowID:  w.ID,
			WorkflowKey: key,
			Command:     def.Command,
			Env:         def.Env,
			Constraints: def.Constraints,
			RetryPolicy: def.RetryPolicy,
			State:       types.TaskPending,
			CreatedAt:   nowUTC(),
			UpdatedAt:   nowUTC(),
		}
		if err := f.store.CreateTask(t); err != nil {
			return ApplyResult{Err: fmt.Errorf("applyWorkflowSubmit: create task %q: %w", key, err)}
		}
		f.appendEvent(&types.TaskEvent{TaskID: taskID, Type: types.TaskEventSubmitted, Timestamp: nowUTC(), Message: "workflow task pending"})
		w.TaskIDs[key] = taskID
	}

	if err := f.store.CreateWorkflow(&w); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowSubmit: %w", err)}
	}
	return ApplyResult{Action: ActionWorkflowAdvance, WorkflowID: w.ID}
}

type workflowIDPayload struct {
	WorkflowID string `json:"workflow_id"`
}

// applyWorkflowAdvance transitions task rows the DAG evaluation
// (internal/workflow.Evaluate) just decided on: ReadyIDs move from
// pending to queued (picked up by the scheduler next pass), SkipIDs
// move from pending straight to skipped. The heavy DAG evaluation
// itself lives in internal/workflow and runs on the leader, which
// resolves definition keys to these concrete task IDs before proposing.
type workflowAdvancePayload struct {
	WorkflowID string   `json:"workflow_id"`
	ReadyIDs   []string `json:"ready_ids,omitempty"`
	SkipIDs    []string `json:"skip_ids,omitempty"`
}

func (f *FSM) applyWorkflowAdvance(raw json.RawMessage) ApplyResult {
	var p workflowAdvancePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
	}
	w, err := f.store.GetWorkflow(p.WorkflowID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
	}

	for _, taskID := range p.ReadyIDs {
		t, err := f.store.GetTask(taskID)
		if err != nil {
			return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
		}
		if t.State != types.TaskPending {
			continue
		}
		t.State = types.TaskQueued
		t.UpdatedAt = nowUTC()
		if err := f.store.UpdateTask(t); err != nil {
			return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
		}
	}
	for _, taskID := range p.SkipIDs {
		t, err := f.store.GetTask(taskID)
		if err != nil {
			return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
		}
		if t.State != types.TaskPending {
			continue
		}
		t.State = types.TaskSkipped
		t.UpdatedAt = nowUTC()
		if err := f.store.UpdateTask(t); err != nil {
			return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
		}
		f.appendEvent(&types.TaskEvent{TaskID: taskID, Type: types.TaskEventSkipped, Timestamp: nowUTC()})
	}

	w.UpdatedAt = nowUTC()
	if err := f.store.UpdateWorkflow(w); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowAdvance: %w", err)}
	}
	res := ApplyResult{WorkflowID: w.ID}
	if len(p.ReadyIDs) > 0 {
		res.Action = ActionReschedule
	}
	return res
}

func (f *FSM) applyWorkflowComplete(raw json.RawMessage) ApplyResult {
	var p workflowIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowComplete: %w", err)}
	}
	w, err := f.store.GetWorkflow(p.WorkflowID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowComplete: %w", err)}
	}
	w.State = types.WorkflowCompleted
	w.UpdatedAt = nowUTC()
	if err := f.store.UpdateWorkflow(w); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowComplete: %w", err)}
	}
	return ApplyResult{WorkflowID: w.ID}
}

func (f *FSM) applyWorkflowFail(raw json.RawMessage) ApplyResult {
	var p workflowIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowFail: %w", err)}
	}
	w, err := f.store.GetWorkflow(p.WorkflowID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowFail: %w", err)}
	}
	w.State = types.WorkflowFailed
	w.UpdatedAt = nowUTC()
	if err := f.store.UpdateWorkflow(w); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyWorkflowFail: %w", err)}
	}
	return ApplyResult{WorkflowID: w.ID}
}
