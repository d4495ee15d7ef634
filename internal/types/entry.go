package types

import "encoding/json"

// EntryKind enumerates the closed set of replicated log entry kinds.
// An unrecognized kind is a forward-compatibility event, not an error:
// the FSM logs and skips it rather than failing the apply.
type EntryKind string

const (
	EntryNodeJoin            EntryKind = "node_join"
	EntryNodeApprove         EntryKind = "node_approve"
	EntryNodeReject          EntryKind = "node_reject"
	EntryNodeUpdateResources EntryKind = "node_update_resources"
	EntryNodeHeartbeat       EntryKind = "node_heartbeat"
	EntryNodeOffline         EntryKind = "node_offline"
	EntryNodeDrain           EntryKind = "node_drain"
	EntryNodeRemove          EntryKind = "node_remove"

	EntryTaskSubmit     EntryKind = "task_submit"
	EntryTaskAssign     EntryKind = "task_assign"
	EntryTaskStart      EntryKind = "task_start"
	EntryTaskComplete   EntryKind = "task_complete"
	EntryTaskFail       EntryKind = "task_fail"
	EntryTaskRetry      EntryKind = "task_retry"
	EntryTaskCancel     EntryKind = "task_cancel"
	EntryTaskDeadLetter EntryKind = "task_dead_letter"

	EntryWorkflowSubmit  EntryKind = "workflow_submit"
	EntryWorkflowAdvance EntryKind = "workflow_advance"
	EntryWorkflowComplete EntryKind = "workflow_complete"
	EntryWorkflowFail    EntryKind = "workflow_fail"

	EntryUpdaterBegin    EntryKind = "updater_begin"
	EntryUpdaterNodeDone EntryKind = "updater_node_done"
	EntryUpdaterComplete EntryKind = "updater_complete"
	EntryUpdaterAbort    EntryKind = "updater_abort"
)

// Command is the JSON envelope carried inside every raft.Log entry.
type Command struct {
	Kind    EntryKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LogEntry is the externally observable (non-wire) view of an applied
// command, used for audit listing and snapshot inspection.
type LogEntry struct {
	Index      uint64          `json:"index"`
	Term       uint64          `json:"term"`
	Kind       EntryKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	AppendedAt int64           `json:"appended_at_unix_ms"`
}
