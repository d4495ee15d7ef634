// Package engine implements the leader-side apply bus driver: it is
// the single consumer of the FSM's committed-entry channel and turns
// each ApplyResult's optional Action into new Propose calls (retry
// scheduling, dead-lettering, workflow advance, rescheduling wakeups),
// per the single-writer/single-consumer concurrency model.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/metrics"
	"github.com/forge-cluster/forge/internal/statemachine"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
	"github.com/forge-cluster/forge/internal/workflow"
)

// Proposer is the subset of consensus.Node the driver needs.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
	IsLeader() bool
}

// Scheduler is the subset of scheduler.Scheduler the driver needs.
type Scheduler interface {
	Wake()
}

// Driver consumes committed FSM results and reacts to their Action.
type Driver struct {
	store            store.Store
	proposer         Proposer
	scheduler        Scheduler
	broker           *events.Broker
	conditionTimeout time.Duration
	logger           zerolog.Logger

	stopCh chan struct{}
}

// New constructs a Driver.
func New(st store.Store, proposer Proposer, sched Scheduler, broker *events.Broker, conditionTimeout time.Duration) *Driver {
	return &Driver{
		store:            st,
		proposer:         proposer,
		scheduler:        sched,
		broker:           broker,
		conditionTimeout: conditionTimeout,
		logger:           logging.WithComponent("engine"),
		stopCh:           make(chan struct{}),
	}
}

// Run consumes committed results from ch until stopped. Intended to be
// run in its own goroutine, one per node (only the leader's driver
// will actually see itself able to Propose successfully; followers'
// drivers no-op on ErrNotLeader).
func (d *Driver) Run(ch <-chan statemachine.ApplyResult) {
	for {
		select {
		case <-d.stopCh:
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			d.handle(res)
		}
	}
}

func (d *Driver) Stop() { close(d.stopCh) }

func (d *Driver) handle(res statemachine.ApplyResult) {
	if !d.proposer.IsLeader() {
		return
	}

	if res.Kind == types.EntryNodeOffline && d.broker != nil {
		d.broker.Publish(&events.Event{Type: events.NodeOffline, Timestamp: time.Now().UTC(), Metadata: map[string]string{"node_id": res.NodeID}})
	}

	switch res.Action {
	case statemachine.ActionReschedule:
		if d.scheduler != nil {
			d.scheduler.Wake()
		}
	case statemachine.ActionRetryTask:
		d.retryTask(res.TaskID)
	case statemachine.ActionDeadLetterTask:
		d.deadLetterTask(res.TaskID)
	case statemachine.ActionWorkflowAdvance:
		d.advanceWorkflow(res.WorkflowID)
	case statemachine.ActionRequeueTasks:
		d.requeueOfflineTasks(res.TaskIDs)
	}
}

func (d *Driver) retryTask(taskID string) {
	metrics.TasksRetried.Inc()
	if err := d.proposer.Propose(types.EntryTaskRetry, map[string]string{"task_id": taskID}); err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("propose task_retry")
	}
	if d.scheduler != nil {
		d.scheduler.Wake()
	}
}

func (d *Driver) deadLetterTask(taskID string) {
	metrics.TasksDeadLettered.Inc()
	if err := d.proposer.Propose(types.EntryTaskDeadLetter, map[string]string{"task_id": taskID, "reason": "max retries exceeded"}); err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("propose task_dead_letter")
	}
	if d.broker != nil {
		d.broker.Publish(&events.Event{Type: events.TaskDeadLettered, Timestamp: time.Now().UTC(), Metadata: map[string]string{"task_id": taskID}})
	}
}

// requeueOfflineTasks proposes a task_fail for every task that was
// running or assigned on a node that just went offline. applyTaskFail
// makes the same retryable/attempt-budget decision it would for any
// other failure, so offline nodes get the real task_retry or
// task_dead_letter follow-up instead of being silently requeued.
func (d *Driver) requeueOfflineTasks(taskIDs []string) {
	for _, taskID := range taskIDs {
		if err := d.proposer.Propose(types.EntryTaskFail, map[string]interface{}{
			"task_id": taskID,
			"result":  types.TaskResult{ExitCode: -1},
			"reason":  "node offline",
		}); err != nil {
			d.logger.Error().Err(err).Str("task_id", taskID).Msg("propose task_fail for offline node")
		}
	}
}

func (d *Driver) advanceWorkflow(workflowID string) {
	if workflowID == "" {
		return
	}
	w, err := d.store.GetWorkflow(workflowID)
	if err != nil {
		d.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("load workflow")
		return
	}
	if w.State != types.WorkflowRunning {
		return
	}

	lookup := func(taskID string) (*types.Task, bool) {
		t, err := d.store.GetTask(taskID)
		if err != nil {
			return nil, false
		}
		return t, true
	}

	dec := workflow.Evaluate(w, lookup, d.conditionTimeout)

	var readyIDs, skipIDs []string
	for _, key := range dec.ReadyKeys {
		if id, ok := w.TaskIDs[key]; ok {
			readyIDs = append(readyIDs, id)
		}
	}
	for _, key := range dec.SkipKeys {
		if id, ok := w.TaskIDs[key]; ok {
			skipIDs = append(skipIDs, id)
		}
	}

	if len(readyIDs) > 0 || len(skipIDs) > 0 {
		if err := d.proposer.Propose(types.EntryWorkflowAdvance, map[string]interface{}{
			"workflow_id": workflowID, "ready_ids": readyIDs, "skip_ids": skipIDs,
		}); err != nil {
			d.logger.Error().Err(err).Msg("propose workflow_advance")
		}
	}

	if dec.Complete {
		kind := types.EntryWorkflowComplete
		evType := events.WorkflowCompleted
		if dec.Failed {
			kind = types.EntryWorkflowFail
			evType = events.WorkflowFailed
		}
		if err := d.proposer.Propose(kind, map[string]string{"workflow_id": workflowID}); err != nil {
			d.logger.Error().Err(err).Msg("propose workflow terminal state")
		}
		if d.broker != nil {
			d.broker.Publish(&events.Event{Type: evType, Timestamp: time.Now().UTC(), Metadata: map[string]string{"workflow_id": workflowID}})
		}
	}
}
