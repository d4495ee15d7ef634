// Package scheduler implements the leader-only task placement loop,
// grounded on the teacher's pkg/scheduler/scheduler.go: a single
// goroutine woken by a combination of a ticker and external wake
// signals, which lists schedulable nodes and queued tasks, ranks
// candidates, and dispatches.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/clustererr"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/metrics"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

// TieBreak selects the ranking strategy for equally-loaded candidates.
type TieBreak string

const (
	// TieBreakLexicographic ranks by (cpuUsage, memoryPressure, nodeID).
	TieBreakLexicographic TieBreak = "lexicographic"
	// TieBreakLeastLoaded ranks by (memoryPressure, cpuUsage, nodeID),
	// favoring nodes with the most free memory headroom first.
	TieBreakLeastLoaded TieBreak = "least_loaded"
)

// Proposer is the subset of the consensus layer the scheduler needs:
// propose a task_assign entry through Raft.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
	IsLeader() bool
}

// Dispatcher hands an assigned task off to its node for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, task *types.Task) error
}

// Scheduler is the leader-only placement loop.
type Scheduler struct {
	store      store.Store
	proposer   Proposer
	dispatcher Dispatcher
	tieBreak   TieBreak
	logger     zerolog.Logger

	wake   chan struct{}
	stopCh chan struct{}
}

// New constructs a Scheduler.
func New(st store.Store, proposer Proposer, dispatcher Dispatcher, tieBreak TieBreak) *Scheduler {
	if tieBreak == "" {
		tieBreak = TieBreakLexicographic
	}
	return &Scheduler{
		store:      st,
		proposer:   proposer,
		dispatcher: dispatcher,
		tieBreak:   tieBreak,
		logger:     logging.WithComponent("scheduler"),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Wake signals the scheduler loop to run a pass immediately, e.g. on
// task_submit, node_update_resources, or node_offline commits.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the scheduler loop until Stop is called. Only the
// current Raft leader should call Start; callers are responsible for
// stopping it on a leadership change.
func (s *Scheduler) Start() {
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pass()
		case <-s.wake:
			s.pass()
		}
	}
}

func (s *Scheduler) pass() {
	if !s.proposer.IsLeader() {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	queued, err := s.store.ListTasksByState(types.TaskQueued)
	if err != nil {
		s.logger.Error().Err(err).Msg("list queued tasks")
		return
	}
	if len(queued) == 0 {
		return
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Error().Err(err).Msg("list nodes")
		return
	}
	schedulable := filterSchedulableNodes(nodes)

	now := time.Now().UTC()
	// FIFO by creation time; tasks whose scheduled_after is still in
	// the future are skipped in the loop below.
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	for _, task := range queued {
		if !task.ScheduledAfter.IsZero() && task.ScheduledAfter.After(now) {
			continue
		}
		node := s.selectNode(task, schedulable)
		if node == nil {
			s.logger.Debug().Str("task_id", task.ID).Msg("no eligible node, leaving queued")
			continue
		}
		if err := s.proposer.Propose(types.EntryTaskAssign, map[string]string{"task_id": task.ID, "node_id": node.ID}); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("propose task_assign")
			continue
		}
		metrics.TasksScheduled.Inc()
		if s.dispatcher != nil {
			go func(nodeID string, t *types.Task) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := s.dispatcher.Dispatch(ctx, nodeID, t); err != nil {
					s.logger.Error().Err(err).Str("task_id", t.ID).Msg("dispatch")
				}
			}(node.ID, task)
		}
	}
}

// filterSchedulableNodes returns active worker/leader/follower nodes
// not in draining or offline status.
func filterSchedulableNodes(nodes []*types.Node) []*types.Node {
	var out []*types.Node
	for _, n := range nodes {
		if n.Status == types.NodeStatusActive {
			out = append(out, n)
		}
	}
	return out
}

// selectNode ranks schedulable nodes by constraint satisfaction then
// by the configured tie-break ((cpuUsage, memoryPressure, nodeID) for
// lexicographic, (memoryPressure, cpuUsage, nodeID) for least_loaded), returning the best
// candidate or nil if none satisfy the task's constraints.
func (s *Scheduler) selectNode(task *types.Task, nodes []*types.Node) *types.Node {
	var candidates []*types.Node
	for _, n := range nodes {
		if satisfiesConstraints(n, task.Constraints) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aMemPressure, bMemPressure := memPressure(a), memPressure(b)
		if s.tieBreak == TieBreakLeastLoaded {
			if aMemPressure != bMemPressure {
				return aMemPressure < bMemPressure
			}
			if a.Resources.CPUUsagePercent != b.Resources.CPUUsagePercent {
				return a.Resources.CPUUsagePercent < b.Resources.CPUUsagePercent
			}
			return a.ID < b.ID
		}
		if a.Resources.CPUUsagePercent != b.Resources.CPUUsagePercent {
			return a.Resources.CPUUsagePercent < b.Resources.CPUUsagePercent
		}
		if aMemPressure != bMemPressure {
			return aMemPressure < bMemPressure
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

func memPressure(n *types.Node) float64 {
	if n.Resources.MemoryTotalBytes == 0 {
		return 0
	}
	used := n.Resources.MemoryTotalBytes - n.Resources.MemoryAvailBytes
	return float64(used) / float64(n.Resources.MemoryTotalBytes)
}

func satisfiesConstraints(n *types.Node, c types.Constraints) bool {
	if len(c.AllowedNodes) > 0 {
		ok := false
		for _, id := range c.AllowedNodes {
			if id == n.ID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range c.RequiredTags {
		if !n.HasTag(tag) {
			return false
		}
	}
	if c.Resources != nil {
		if c.Resources.CPUCores > n.Resources.CPUCores {
			return false
		}
		if c.Resources.MemoryBytes > n.Resources.MemoryAvailBytes {
			return false
		}
		if c.Resources.RequireGPU {
			hasAvailableGPU := false
			for _, g := range n.Resources.GPUs {
				if g.Available {
					hasAvailableGPU = true
					break
				}
			}
			if !hasAvailableGPU {
				return false
			}
		}
	}
	return true
}

// ErrNoEligibleNodes is returned by callers that need an explicit error
// rather than a nil node, e.g. synchronous submit-time validation.
var ErrNoEligibleNodes = clustererr.ErrNoEligibleNodes
