package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/forge-cluster/forge/internal/types"
)

func (f *FSM) applyTaskSubmit(raw json.RawMessage) ApplyResult {
	var t types.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskSubmit: %w", err)}
	}
	t.State = types.TaskQueued
	t.Attempt = 0
	t.CreatedAt = nowUTC()
	t.UpdatedAt = nowUTC()
	if err := f.store.CreateTask(&t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskSubmit: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventSubmitted, Timestamp: nowUTC(), Message: "queued"})
	return ApplyResult{Action: ActionReschedule, TaskID: t.ID}
}

type taskAssignPayload struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

func (f *FSM) applyTaskAssign(raw json.RawMessage) ApplyResult {
	var p taskAssignPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskAssign: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskAssign: %w", err)}
	}
	if t.State.Terminal() {
		return ApplyResult{}
	}
	t.State = types.TaskAssigned
	t.AssignedNodeID = p.NodeID
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskAssign: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventAssigned, NodeID: p.NodeID, Timestamp: nowUTC()})
	return ApplyResult{TaskID: t.ID}
}

type taskIDPayload struct {
	TaskID string `json:"task_id"`
}

func (f *FSM) applyTaskStart(raw json.RawMessage) ApplyResult {
	var p taskIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskStart: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskStart: %w", err)}
	}
	if t.State.Terminal() {
		return ApplyResult{}
	}
	t.State = types.TaskRunning
	t.Attempt++
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskStart: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventStarted, NodeID: t.AssignedNodeID, Timestamp: nowUTC()})
	return ApplyResult{TaskID: t.ID}
}

type taskCompletePayload struct {
	TaskID string          `json:"task_id"`
	Result types.TaskResult `json:"result"`
}

func (f *FSM) applyTaskComplete(raw json.RawMessage) ApplyResult {
	var p taskCompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskComplete: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskComplete: %w", err)}
	}
	if t.State.Terminal() {
		return ApplyResult{}
	}
	t.State = types.TaskCompleted
	t.Result = &p.Result
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskComplete: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventCompleted, NodeID: t.AssignedNodeID, Timestamp: nowUTC()})
	res := ApplyResult{TaskID: t.ID}
	if t.WorkflowID != "" {
		res.Action = ActionWorkflowAdvance
		res.WorkflowID = t.WorkflowID
	}
	return res
}

type taskFailPayload struct {
	TaskID string          `json:"task_id"`
	Result types.TaskResult `json:"result"`
	Reason string          `json:"reason"`
}

func (f *FSM) applyTaskFail(raw json.RawMessage) ApplyResult {
	var p taskFailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskFail: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskFail: %w", err)}
	}
	if t.State.Terminal() {
		return ApplyResult{}
	}
	t.Result = &p.Result
	t.UpdatedAt = nowUTC()

	canRetry := t.RetryPolicy.Retryable && t.Attempt <= t.RetryPolicy.MaxRetries
	if canRetry {
		t.State = types.TaskFailed // transient marker; driver issues task_retry next
		if err := f.store.UpdateTask(t); err != nil {
			return ApplyResult{Err: fmt.Errorf("applyTaskFail: %w", err)}
		}
		f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventFailed, Message: p.Reason, Timestamp: nowUTC()})
		return ApplyResult{Action: ActionRetryTask, TaskID: t.ID}
	}

	t.State = types.TaskFailed // transient marker; driver issues task_dead_letter next
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskFail: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventFailed, Message: p.Reason, Timestamp: nowUTC()})
	return ApplyResult{Action: ActionDeadLetterTask, TaskID: t.ID}
}

func (f *FSM) applyTaskRetry(raw json.RawMessage) ApplyResult {
	var p taskIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskRetry: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskRetry: %w", err)}
	}
	if t.State.Terminal() && t.State != types.TaskFailed {
		return ApplyResult{}
	}
	t.State = types.TaskQueued
	t.AssignedNodeID = ""
	t.ScheduledAfter = nowUTC().Add(t.RetryPolicy.NextBackoff(t.Attempt - 1))
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskRetry: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventRetried, Timestamp: nowUTC()})
	return ApplyResult{Action: ActionReschedule, TaskID: t.ID}
}

func (f *FSM) applyTaskCancel(raw json.RawMessage) ApplyResult {
	var p taskIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskCancel: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskCancel: %w", err)}
	}
	if t.State.Terminal() {
		return ApplyResult{}
	}
	t.State = types.TaskCancelled
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskCancel: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventCancelled, Timestamp: nowUTC()})
	res := ApplyResult{TaskID: t.ID}
	if t.WorkflowID != "" {
		res.Action = ActionWorkflowAdvance
		res.WorkflowID = t.WorkflowID
	}
	return res
}

type taskDeadLetterPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

func (f *FSM) applyTaskDeadLetter(raw json.RawMessage) ApplyResult {
	var p taskDeadLetterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskDeadLetter: %w", err)}
	}
	t, err := f.store.GetTask(p.TaskID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskDeadLetter: %w", err)}
	}
	if t.State.Terminal() && t.State != types.TaskFailed {
		return ApplyResult{}
	}
	t.State = types.TaskDeadLetter
	t.AssignedNodeID = ""
	t.UpdatedAt = nowUTC()
	if err := f.store.UpdateTask(t); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyTaskDeadLetter: %w", err)}
	}
	f.appendEvent(&types.TaskEvent{TaskID: t.ID, Type: types.TaskEventDeadLetter, Message: p.Reason, Timestamp: nowUTC()})
	res := ApplyResult{TaskID: t.ID}
	if t.WorkflowID != "" {
		res.Action = ActionWorkflowAdvance
		res.WorkflowID = t.WorkflowID
	}
	return res
}

func (f *FSM) appendEvent(e *types.TaskEvent) {
	e.ID = eventID()
	if err := f.store.AppendTaskEvent(e); err != nil {
		// Event logging is best-effort audit trail, not authoritative
		// state; never fail the apply over it.
		return
	}
}
