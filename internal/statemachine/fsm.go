// Package statemachine implements the raft.FSM for the task/workflow
// engine, grounded on the teacher's pkg/manager/fsm.go: a single
// Command{Kind, Payload} envelope dispatched through a switch, with a
// JSON snapshot/restore pair. Where the teacher mutates its store
// directly, Apply here additionally computes an *ApplyResult so the
// leader-only apply bus driver (internal/engine) can react to state
// transitions (retry scheduling, dead-lettering, workflow advance)
// without every node re-deriving leader-only side effects.
package statemachine

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

// Action names the optional leader-side follow-up a committed entry
// implies.
type Action string

const (
	ActionNone            Action = ""
	ActionRetryTask       Action = "retry_task"
	ActionDeadLetterTask  Action = "dead_letter_task"
	ActionWorkflowAdvance Action = "workflow_advance"
	ActionReschedule      Action = "reschedule"
	// ActionRequeueTasks is returned by applyNodeOffline: TaskIDs names
	// every task that was running or assigned on the node that just went
	// offline. The apply bus driver proposes a task_fail for each, and
	// applyTaskFail then chooses retry or dead-letter as for any other
	// failure, rather than the FSM mutating task state inline.
	ActionRequeueTasks Action = "requeue_tasks"
)

// ApplyResult is returned (wrapped as the raft apply future's response)
// for every applied command, and also pushed onto the committed-entry
// bus for the apply bus driver to consume.
type ApplyResult struct {
	Index      uint64
	Kind       types.EntryKind
	Err        error
	Action     Action
	TaskID     string
	TaskIDs    []string
	NodeID     string
	WorkflowID string
}

// FSM wraps a store.Store behind a mutex and implements raft.FSM.
type FSM struct {
	mu    sync.RWMutex
	store store.Store

	// committed fans out every ApplyResult to a single subscriber: the
	// apply bus driver. It is buffered so Apply never blocks on a slow
	// or momentarily absent consumer.
	committed chan ApplyResult
}

// New creates an FSM over the given store.
func New(st store.Store) *FSM {
	return &FSM{
		store:     st,
		committed: make(chan ApplyResult, 1024),
	}
}

// Committed returns the channel of applied results, for the apply bus
// driver's single subscriber.
func (f *FSM) Committed() <-chan ApplyResult { return f.committed }

// Apply implements raft.FSM. It is invoked serially by the raft
// library for every committed log entry — the single-writer point for
// all replicated state, per the concurrency model.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		res := ApplyResult{Index: l.Index, Err: fmt.Errorf("statemachine: decode command: %w", err)}
		f.publish(res)
		return res
	}

	f.mu.Lock()
	res := f.dispatch(cmd)
	f.mu.Unlock()

	res.Index = l.Index
	res.Kind = cmd.Kind
	if res.Err != nil {
		logging.WithComponent("statemachine").Error().Err(res.Err).
			Str("kind", string(cmd.Kind)).Uint64("index", l.Index).Msg("apply failed")
	}
	f.publish(res)
	return res
}

func (f *FSM) publish(res ApplyResult) {
	select {
	case f.committed <- res:
	default:
		logging.WithComponent("statemachine").Warn().Msg("committed channel full, dropping oldest consumer will lag")
		// Bus is bounded by design (single leader-only consumer); a full
		// channel means the driver is behind. Drop-oldest keeps Apply
		// non-blocking, matching the single-writer/no-backpressure-onto-raft
		// requirement.
		select {
		case <-f.committed:
		default:
		}
		select {
		case f.committed <- res:
		default:
		}
	}
}

func (f *FSM) dispatch(cmd types.Command) ApplyResult {
	switch cmd.Kind {
	case types.EntryNodeJoin:
		return f.applyNodeJoin(cmd.Payload)
	case types.EntryNodeApprove:
		return f.applyNodeApprove(cmd.Payload)
	case types.EntryNodeReject:
		return ApplyResult{}
	case types.EntryNodeUpdateResources:
		return f.applyNodeUpdateResources(cmd.Payload)
	case types.EntryNodeHeartbeat:
		return f.applyNodeHeartbeat(cmd.Payload)
	case types.EntryNodeOffline:
		return f.applyNodeOffline(cmd.Payload)
	case types.EntryNodeDrain:
		return f.applyNodeDrain(cmd.Payload)
	case types.EntryNodeRemove:
		return f.applyNodeRemove(cmd.Payload)

	case types.EntryTaskSubmit:
		return f.applyTaskSubmit(cmd.Payload)
	case types.EntryTaskAssign:
		return f.applyTaskAssign(cmd.Payload)
	case types.EntryTaskStart:
		return f.applyTaskStart(cmd.Payload)
	case types.EntryTaskComplete:
		return f.applyTaskComplete(cmd.Payload)
	case types.EntryTaskFail:
		return f.applyTaskFail(cmd.Payload)
	case types.EntryTaskRetry:
		return f.applyTaskRetry(cmd.Payload)
	case types.EntryTaskCancel:
		return f.applyTaskCancel(cmd.Payload)
	case types.EntryTaskDeadLetter:
		return f.applyTaskDeadLetter(cmd.Payload)

	case types.EntryWorkflowSubmit:
		return f.applyWorkflowSubmit(cmd.Payload)
	case types.EntryWorkflowAdvance:
		return f.applyWorkflowAdvance(cmd.Payload)
	case types.EntryWorkflowComplete:
		return f.applyWorkflowComplete(cmd.Payload)
	case types.EntryWorkflowFail:
		return f.applyWorkflowFail(cmd.Payload)

	default:
		// Unknown kinds are a forward-compatibility no-op, not a failure.
		logging.WithComponent("statemachine").Warn().Str("kind", string(cmd.Kind)).Msg("unknown entry kind, skipping")
		return ApplyResult{}
	}
}

// --- snapshot/restore, mirroring teacher's WarrenSnapshot shape ---

type fsmSnapshot struct {
	Nodes     []*types.Node     `json:"nodes"`
	Tasks     []*types.Task     `json:"tasks"`
	Workflows []*types.Workflow `json:"workflows"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, err
	}
	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, err
	}
	workflows, err := f.store.ListWorkflows()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{Nodes: nodes, Tasks: tasks, Workflows: workflows}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (s *fsmSnapshot) Release() {}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("statemachine: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return err
		}
	}
	for _, t := range snap.Tasks {
		if err := f.store.CreateTask(t); err != nil {
			return err
		}
	}
	for _, w := range snap.Workflows {
		if err := f.store.CreateWorkflow(w); err != nil {
			return err
		}
	}
	return nil
}

// nowUTC is split out so tests can exercise deterministic timestamps
// by wrapping the store instead of monkeypatching time.Now.
func nowUTC() time.Time { return time.Now().UTC() }
