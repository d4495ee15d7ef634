// Package store defines the local persistence interface for replicated
// cluster state, and a BoltDB-backed implementation, mirroring the
// teacher's pkg/storage Store interface shape over the new task/
// workflow/node entity set.
package store

import "github.com/forge-cluster/forge/internal/types"

// Store is the interface for locally-durable, FSM-applied cluster
// state. Every mutating method is expected to be called only from the
// single FSM apply goroutine; reads may happen concurrently from any
// goroutine and must take their own locks where needed.
type Store interface {
	CreateNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(n *types.Node) error
	DeleteNode(id string) error

	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByState(state types.TaskState) ([]*types.Task, error)
	ListTasksByWorkflow(workflowID string) ([]*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(id string) error

	AppendTaskEvent(e *types.TaskEvent) error
	ListTaskEvents(taskID string) ([]*types.TaskEvent, error)

	CreateWorkflow(w *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)
	UpdateWorkflow(w *types.Workflow) error
	DeleteWorkflow(id string) error

	Close() error
}
