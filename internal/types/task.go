package types

import "time"

// TaskState is the task DFA state per the task lifecycle.
type TaskState string

const (
	TaskCreated    TaskState = "created"
	TaskQueued     TaskState = "queued"
	TaskPending    TaskState = "pending"
	TaskAssigned   TaskState = "assigned"
	TaskRunning    TaskState = "running"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
	TaskDeadLetter TaskState = "dead_letter"
	TaskSkipped    TaskState = "skipped"
)

// Terminal reports whether a task state has no outgoing transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskDeadLetter, TaskSkipped:
		return true
	default:
		return false
	}
}

// RetryPolicy governs retry/backoff and dead-lettering for a task.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BackoffMs         int64   `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Retryable         bool    `json:"retryable"`
}

// ResourceRequest is the resource floor a task's placement must satisfy.
type ResourceRequest struct {
	CPUCores    int   `json:"cpu_cores"`
	MemoryBytes int64 `json:"memory_bytes"`
	RequireGPU  bool  `json:"require_gpu"`
}

// Constraints narrow the set of nodes eligible to run a task.
type Constraints struct {
	Resources    *ResourceRequest `json:"resources,omitempty"`
	AllowedNodes []string         `json:"allowed_nodes,omitempty"`
	RequiredTags []string         `json:"required_tags,omitempty"`
}

// TaskResult captures the terminal outcome of a task execution attempt.
type TaskResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Task is a single unit of executable work.
type Task struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id,omitempty"`
	WorkflowKey    string            `json:"workflow_key,omitempty"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	Constraints    Constraints       `json:"constraints"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
	State          TaskState         `json:"state"`
	AssignedNodeID string            `json:"assigned_node_id,omitempty"`
	Attempt        int               `json:"attempt"`
	ScheduledAfter time.Time         `json:"scheduled_after,omitzero"`
	Result         *TaskResult       `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NextBackoff computes the delay before the next retry attempt, per
// backoff_ms * backoff_multiplier^attempt.
func (rp RetryPolicy) NextBackoff(attempt int) time.Duration {
	ms := float64(rp.BackoffMs)
	for i := 0; i < attempt; i++ {
		ms *= rp.BackoffMultiplier
	}
	return time.Duration(ms) * time.Millisecond
}
