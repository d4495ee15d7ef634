package types

import "time"

// WorkflowState mirrors the aggregate lifecycle of a workflow's DAG.
type WorkflowState string

const (
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
)

// TaskDefinition is one node of a workflow's DAG, prior to expansion
// into a concrete Task.
type TaskDefinition struct {
	Key         string            `json:"key"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Constraints Constraints       `json:"constraints"`
	RetryPolicy RetryPolicy       `json:"retry_policy"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Condition   string            `json:"condition,omitempty"`
}

// DependencyEdge records a resolved DAG edge between two task keys.
type DependencyEdge struct {
	WorkflowID string `json:"workflow_id"`
	FromKey    string `json:"from_key"`
	ToKey      string `json:"to_key"`
}

// Workflow is a DAG of task definitions submitted as a unit.
type Workflow struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name"`
	Tasks     map[string]TaskDefinition `json:"tasks"`
	TaskIDs   map[string]string         `json:"task_ids"` // key -> concrete Task.ID
	Context   map[string]string         `json:"context,omitempty"`
	State     WorkflowState             `json:"state"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}
