// Package membership implements the join/approval workflow and
// heartbeat-based failure detection, grounded on the teacher's
// pkg/manager/token.go (leader-local pending-request map) and
// pkg/scheduler/scheduler.go's ticker-loop shape for the background
// monitors.
package membership

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/config"
	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

// Proposer is the subset of consensus.Node membership needs.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
	IsLeader() bool
	AddVoter(id, addr string) error
	RemoveServer(id string) error
}

// Manager owns the leader-local pending join request table and the
// background heartbeat/ephemeral-cleanup monitors.
type Manager struct {
	cfg      config.Config
	store    store.Store
	proposer Proposer
	broker   *events.Broker
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*types.JoinRequest

	stopCh chan struct{}
}

// New constructs a membership Manager.
func New(cfg config.Config, st store.Store, proposer Proposer, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		proposer: proposer,
		broker:   broker,
		logger:   logging.WithComponent("membership"),
		pending:  make(map[string]*types.JoinRequest),
		stopCh:   make(chan struct{}),
	}
}

func (m *Manager) publish(typ events.Type, nodeID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: typ, Timestamp: time.Now().UTC(), Metadata: map[string]string{"node_id": nodeID}})
}

// HandleJoin records a join request and, if policy allows, immediately
// proposes node_join followed by node_approve. It must only be called
// on the leader.
func (m *Manager) HandleJoin(req *types.JoinRequest) error {
	req.Status = types.JoinPending
	req.RequestedAt = time.Now().UTC()

	m.mu.Lock()
	m.pending[req.NodeID] = req
	m.mu.Unlock()

	if err := m.proposer.Propose(types.EntryNodeJoin, map[string]interface{}{
		"node_id": req.NodeID, "address": req.Address, "tags": req.Tags, "ephemeral": req.Ephemeral,
	}); err != nil {
		return fmt.Errorf("membership: propose node_join: %w", err)
	}
	m.publish(events.NodeJoined, req.NodeID)

	if m.autoApprove(req) {
		return m.Approve(req.NodeID)
	}
	m.publish(events.ApprovalRequired, req.NodeID)
	return nil
}

func (m *Manager) autoApprove(req *types.JoinRequest) bool {
	if req.Ephemeral && m.cfg.AutoApproveEphemeral {
		return true
	}
	for _, tag := range m.cfg.AutoApproveTags {
		if req.Tags[tag] {
			return true
		}
	}
	return false
}

// Approve finalizes a pending join request: proposes node_approve then
// adds the node as a Raft voter.
func (m *Manager) Approve(nodeID string) error {
	m.mu.Lock()
	req, ok := m.pending[nodeID]
	if ok {
		req.Status = types.JoinApproved
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("membership: no pending join request for %s", nodeID)
	}

	if err := m.proposer.Propose(types.EntryNodeApprove, map[string]string{"node_id": nodeID}); err != nil {
		return fmt.Errorf("membership: propose node_approve: %w", err)
	}
	if err := m.proposer.AddVoter(nodeID, req.Address); err != nil {
		m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("add voter failed, node approved but non-voting")
	}

	m.mu.Lock()
	delete(m.pending, nodeID)
	m.mu.Unlock()
	m.publish(events.NodeOnline, nodeID)
	return nil
}

// Reject denies a pending join request.
func (m *Manager) Reject(nodeID string) error {
	m.mu.Lock()
	delete(m.pending, nodeID)
	m.mu.Unlock()
	return m.proposer.Propose(types.EntryNodeReject, map[string]string{"node_id": nodeID})
}

// PendingRequests returns a snapshot of outstanding join requests.
func (m *Manager) PendingRequests() []*types.JoinRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.JoinRequest, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	return out
}

// Start launches the heartbeat-timeout and ephemeral-cleanup monitors.
// Only the leader should run these; callers stop them on step-down.
func (m *Manager) Start() {
	go m.heartbeatMonitor()
	go m.ephemeralCleanupSweep()
}

func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) heartbeatMonitor() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()
	timeout := m.cfg.HeartbeatTimeout()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.proposer.IsLeader() {
				continue
			}
			nodes, err := m.store.ListNodes()
			if err != nil {
				m.logger.Error().Err(err).Msg("list nodes for heartbeat sweep")
				continue
			}
			now := time.Now().UTC()
			for _, n := range nodes {
				if n.Status != types.NodeStatusActive {
					continue
				}
				if now.Sub(n.LastSeen) > timeout {
					if err := m.proposer.Propose(types.EntryNodeOffline, map[string]string{"node_id": n.ID}); err != nil {
						m.logger.Error().Err(err).Str("node_id", n.ID).Msg("propose node_offline")
						continue
					}
					m.publish(events.NodeOffline, n.ID)
				}
			}
		}
	}
}

// ephemeralCleanupSweep removes ephemeral nodes (short-lived workers,
// e.g. spot/burst capacity) that have stayed offline past the
// configured TTL, rather than holding their Raft voter slot and
// membership row open waiting for a rejoin that per spec §4.2 is not
// expected for this node class.
func (m *Manager) ephemeralCleanupSweep() {
	ttl := m.cfg.EphemeralCleanupTTL()
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.proposer.IsLeader() {
				continue
			}
			nodes, err := m.store.ListNodes()
			if err != nil {
				m.logger.Error().Err(err).Msg("list nodes for ephemeral cleanup sweep")
				continue
			}
			now := time.Now().UTC()
			for _, n := range nodes {
				if !n.Ephemeral || n.Status != types.NodeStatusOffline {
					continue
				}
				if now.Sub(n.LastSeen) < ttl {
					continue
				}
				if err := m.proposer.Propose(types.EntryNodeRemove, map[string]string{"node_id": n.ID}); err != nil {
					m.logger.Error().Err(err).Str("node_id", n.ID).Msg("propose node_remove for expired ephemeral node")
					continue
				}
				if err := m.proposer.RemoveServer(n.ID); err != nil {
					m.logger.Warn().Err(err).Str("node_id", n.ID).Msg("remove voter for expired ephemeral node")
				}
				m.publish(events.NodeRemoved, n.ID)
			}
		}
	}
}

// RecordHeartbeat proposes a node_heartbeat entry, refreshing LastSeen.
func (m *Manager) RecordHeartbeat(nodeID string, resources types.ResourceSnapshot) error {
	if err := m.proposer.Propose(types.EntryNodeHeartbeat, map[string]string{"node_id": nodeID}); err != nil {
		return err
	}
	return m.proposer.Propose(types.EntryNodeUpdateResources, map[string]interface{}{
		"node_id": nodeID, "resources": resources,
	})
}
