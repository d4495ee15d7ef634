package clusterrpc

import "github.com/forge-cluster/forge/internal/types"

// Message types for the four peer/submitter services. These stand in
// for what would otherwise be protoc-gen-go output; see codec.go.

type HeartbeatRequest struct {
	NodeID    string                 `json:"node_id"`
	Resources types.RawResourceInput `json:"resources"`
}

type HeartbeatResponse struct {
	Ack bool `json:"ack"`
}

type JoinRequestMsg struct {
	NodeID    string          `json:"node_id"`
	Address   string          `json:"address"`
	Tags      map[string]bool `json:"tags,omitempty"`
	Ephemeral bool            `json:"ephemeral"`
	Token     string          `json:"token,omitempty"`
}

type JoinResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type DispatchRequest struct {
	Task *types.Task `json:"task"`
}

// DispatchChunk is one frame of a streamed task dispatch: either an
// output chunk or, on the final frame, the terminal result.
type DispatchChunk struct {
	Channel string            `json:"channel,omitempty"` // "stdout" | "stderr"
	Data    []byte            `json:"data,omitempty"`
	Final   bool              `json:"final"`
	Result  *types.TaskResult `json:"result,omitempty"`
}

type CancelRequest struct {
	TaskID string `json:"task_id"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type PushBinaryChunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
	Final  bool   `json:"final"`
	SHA256 string `json:"sha256,omitempty"` // set on final chunk
}

type PushBinaryResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type ActivateBinaryRequest struct {
	NodeID string `json:"node_id"`
}

type ActivateBinaryResponse struct {
	Activated bool `json:"activated"`
}

// RollbackBinaryRequest asks a follower to restore the binary it was
// running before the most recent ActivateBinary and re-exec into it,
// used when a node fails to rejoin the cluster after an update.
type RollbackBinaryRequest struct {
	NodeID string `json:"node_id"`
}

type RollbackBinaryResponse struct {
	RolledBack bool `json:"rolled_back"`
}

// Submitter-facing messages.

type SubmitTaskRequest struct {
	Task *types.Task `json:"task"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type SubmitWorkflowRequest struct {
	Workflow *types.Workflow `json:"workflow"`
}

type SubmitWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskResponse struct {
	Task *types.Task `json:"task"`
}

type ListTasksRequest struct {
	State types.TaskState `json:"state,omitempty"`
}

type ListTasksResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

type ListNodesRequest struct{}

type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

// ErrorResponse is a JSON error shape carrying an error kind, a message
// and an optional leader address. No RPC in this package returns it;
// errors reach clients as grpc status errors.
type ErrorResponse struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}
