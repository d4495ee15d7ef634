package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/forge-cluster/forge/internal/types"
)

type nodeJoinPayload struct {
	NodeID    string          `json:"node_id"`
	Address   string          `json:"address"`
	Tags      map[string]bool `json:"tags,omitempty"`
	Ephemeral bool            `json:"ephemeral"`
}

func (f *FSM) applyNodeJoin(raw json.RawMessage) ApplyResult {
	var p nodeJoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeJoin: %w", err)}
	}
	n := &types.Node{
		ID:        p.NodeID,
		Address:   p.Address,
		Role:      types.RoleWorker,
		Status:    types.NodeStatusPendingApproval,
		Tags:      p.Tags,
		Ephemeral: p.Ephemeral,
		JoinedAt:  nowUTC(),
		LastSeen:  nowUTC(),
	}
	if err := f.store.CreateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeJoin: %w", err)}
	}
	return ApplyResult{}
}

type nodeIDPayload struct {
	NodeID string `json:"node_id"`
}

func (f *FSM) applyNodeApprove(raw json.RawMessage) ApplyResult {
	var p nodeIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeApprove: %w", err)}
	}
	n, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeApprove: %w", err)}
	}
	n.Status = types.NodeStatusActive
	if err := f.store.UpdateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeApprove: %w", err)}
	}
	return ApplyResult{Action: ActionReschedule}
}

type nodeResourcesPayload struct {
	NodeID    string                  `json:"node_id"`
	Resources types.ResourceSnapshot  `json:"resources"`
}

func (f *FSM) applyNodeUpdateResources(raw json.RawMessage) ApplyResult {
	var p nodeResourcesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeUpdateResources: %w", err)}
	}
	n, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeUpdateResources: %w", err)}
	}
	n.Resources = p.Resources
	n.LastSeen = nowUTC()
	if err := f.store.UpdateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeUpdateResources: %w", err)}
	}
	return ApplyResult{Action: ActionReschedule}
}

func (f *FSM) applyNodeHeartbeat(raw json.RawMessage) ApplyResult {
	var p nodeIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeHeartbeat: %w", err)}
	}
	n, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeHeartbeat: %w", err)}
	}
	n.LastSeen = nowUTC()
	if n.Status == types.NodeStatusOffline {
		n.Status = types.NodeStatusActive
	}
	if err := f.store.UpdateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeHeartbeat: %w", err)}
	}
	return ApplyResult{}
}

func (f *FSM) applyNodeOffline(raw json.RawMessage) ApplyResult {
	var p nodeIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeOffline: %w", err)}
	}
	n, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeOffline: %w", err)}
	}
	n.Status = types.NodeStatusOffline
	if err := f.store.UpdateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeOffline: %w", err)}
	}

	// Tasks the offline node was running or about to run are left in
	// place here; the apply bus driver proposes a task_fail for each,
	// and applyTaskFail then chooses task_retry (with backoff) or
	// task_dead_letter as for any other failure.
	running, err := f.store.ListTasksByState(types.TaskRunning)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeOffline: %w", err)}
	}
	assigned, err := f.store.ListTasksByState(types.TaskAssigned)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeOffline: %w", err)}
	}
	var affected []string
	for _, t := range append(running, assigned...) {
		if t.AssignedNodeID == p.NodeID {
			affected = append(affected, t.ID)
		}
	}
	if len(affected) == 0 {
		return ApplyResult{NodeID: p.NodeID}
	}
	return ApplyResult{Action: ActionRequeueTasks, TaskIDs: affected, NodeID: p.NodeID}
}

func (f *FSM) applyNodeDrain(raw json.RawMessage) ApplyResult {
	var p nodeIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeDrain: %w", err)}
	}
	n, err := f.store.GetNode(p.NodeID)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeDrain: %w", err)}
	}
	n.Status = types.NodeStatusDraining
	if err := f.store.UpdateNode(n); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeDrain: %w", err)}
	}
	return ApplyResult{}
}

func (f *FSM) applyNodeRemove(raw json.RawMessage) ApplyResult {
	var p nodeIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeRemove: %w", err)}
	}
	if err := f.store.DeleteNode(p.NodeID); err != nil {
		return ApplyResult{Err: fmt.Errorf("applyNodeRemove: %w", err)}
	}
	return ApplyResult{}
}
