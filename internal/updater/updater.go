// Package updater implements the leader-only rolling-update
// choreography, grounded on the teacher's pkg/manager/manager.go
// AddVoter/RemoveServer/GetConfiguration raft wrapper and the
// PushBinary/ActivateBinary RPC pair served by internal/clusterrpc.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/clusterrpc"
	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/metrics"
	"github.com/forge-cluster/forge/internal/security"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

// ConsensusView is the subset of the raft wrapper the updater needs to
// inspect and reshape cluster membership during the rollout.
type ConsensusView interface {
	IsLeader() bool
	GetConfiguration() (raft.Configuration, error)
	AddVoter(id, addr string) error
	RemoveServer(id string) error
	LeadershipTransfer() error
	LeaderAddr() string
}

// AddressBook resolves a node ID to its clusterrpc address.
type AddressBook interface {
	NodeAddress(nodeID string) (string, bool)
}

// Proposer records node drain/undrain transitions through the replicated log.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
}

// NodeReport is the per-node outcome of a rolling update pass.
type NodeReport struct {
	NodeID     string `json:"node_id"`
	RolledOut  bool   `json:"rolled_out"`
	RolledBack bool   `json:"rolled_back"`
	Error      string `json:"error,omitempty"`
}

// Report is returned by Run, describing the rollout outcome across
// every follower attempted.
type Report struct {
	DryRun  bool         `json:"dry_run"`
	Aborted bool         `json:"aborted"`
	Reason  string       `json:"reason,omitempty"`
	Nodes   []NodeReport `json:"nodes"`
}

const (
	drainTimeout  = 60 * time.Second
	rejoinTimeout = 90 * time.Second
	quorumSize    = 2 // minimum voter count this cluster tolerates losing one of at a time
)

// Updater drives the rolling update one follower at a time: drain,
// push+activate, verify rejoin, with rollback on failure to rejoin.
// After the followers it transfers leadership away. Run does not push
// or activate a binary on the leader itself, and the report still
// lists the leader with RolledOut set.
type Updater struct {
	consensus ConsensusView
	addresses AddressBook
	proposer  Proposer
	broker    *events.Broker
	ca        *security.CertAuthority
	store     store.Store
	selfID    string
	logger    zerolog.Logger
}

// New constructs an Updater. selfID names this process's own node ID,
// used to recognize its own entry in the voter configuration.
func New(consensus ConsensusView, addresses AddressBook, proposer Proposer, broker *events.Broker, ca *security.CertAuthority, st store.Store, selfID string) *Updater {
	return &Updater{
		consensus: consensus,
		addresses: addresses,
		proposer:  proposer,
		broker:    broker,
		ca:        ca,
		store:     st,
		selfID:    selfID,
		logger:    logging.WithComponent("updater"),
	}
}

// Run executes initiate_rolling_update. binaryPath names the new
// binary to push to each follower; if dryRun is true, only the
// pre-flight report is produced.
func (u *Updater) Run(ctx context.Context, binaryPath string, dryRun bool) (*Report, error) {
	if !u.consensus.IsLeader() {
		return nil, fmt.Errorf("updater: not leader")
	}

	config, err := u.consensus.GetConfiguration()
	if err != nil {
		return nil, fmt.Errorf("updater: get configuration: %w", err)
	}
	voters := config.Servers
	if len(voters)-1 < quorumSize {
		return &Report{DryRun: dryRun, Aborted: true, Reason: "insufficient voters to safely replace one at a time"}, nil
	}

	report := &Report{DryRun: dryRun}
	if dryRun {
		for _, v := range voters {
			report.Nodes = append(report.Nodes, NodeReport{NodeID: string(v.ID)})
		}
		return report, nil
	}

	digest, blob, err := readBinary(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("updater: %w", err)
	}

	for _, v := range voters {
		nodeID := string(v.ID)
		if nodeID == u.selfID {
			continue
		}
		nr := u.rollFollower(ctx, nodeID, digest, blob)
		report.Nodes = append(report.Nodes, nr)
		if !nr.RolledOut {
			report.Aborted = true
			report.Reason = fmt.Sprintf("follower %s failed to rejoin, aborting remaining rollout", nodeID)
			metrics.UpdatesRolledBack.Inc()
			return report, nil
		}
		metrics.UpdaterProgress.Set(float64(len(report.Nodes)) / float64(len(voters)))
	}

	if err := u.consensus.LeadershipTransfer(); err != nil {
		u.logger.Error().Err(err).Msg("leadership transfer before self-update")
	}
	report.Nodes = append(report.Nodes, NodeReport{NodeID: u.selfID, RolledOut: true})

	u.broker.Publish(&events.Event{Type: events.UpdateProgress, Message: "rolling update complete"})
	return report, nil
}

func (u *Updater) rollFollower(ctx context.Context, nodeID string, digest string, blob []byte) NodeReport {
	if err := u.proposer.Propose(types.EntryNodeDrain, map[string]string{"node_id": nodeID}); err != nil {
		return NodeReport{NodeID: nodeID, Error: fmt.Sprintf("drain: %v", err)}
	}
	u.waitDrained(ctx, nodeID)

	addr, ok := u.addresses.NodeAddress(nodeID)
	if !ok {
		return NodeReport{NodeID: nodeID, Error: "no known address"}
	}
	client, err := clusterrpc.Dial(addr, u.ca)
	if err != nil {
		return NodeReport{NodeID: nodeID, Error: fmt.Sprintf("dial: %v", err)}
	}
	defer client.Close()

	if err := pushBinary(ctx, client, digest, blob); err != nil {
		return NodeReport{NodeID: nodeID, Error: fmt.Sprintf("push: %v", err)}
	}

	actCtx, actCancel := clusterrpc.WithDefaultTimeout(ctx)
	defer actCancel()
	if _, err := client.ActivateBinary(actCtx, &clusterrpc.ActivateBinaryRequest{NodeID: nodeID}); err != nil {
		return NodeReport{NodeID: nodeID, Error: fmt.Sprintf("activate: %v", err)}
	}

	if !u.waitRejoin(ctx, nodeID) {
		rbCtx, rbCancel := clusterrpc.WithDefaultTimeout(ctx)
		if _, err := client.RollbackBinary(rbCtx, &clusterrpc.RollbackBinaryRequest{NodeID: nodeID}); err != nil {
			u.logger.Error().Err(err).Str("node_id", nodeID).Msg("instruct non-rejoining follower to roll back binary")
		}
		rbCancel()
		if err := u.consensus.RemoveServer(nodeID); err != nil {
			u.logger.Error().Err(err).Str("node_id", nodeID).Msg("remove non-rejoining follower")
		}
		return NodeReport{NodeID: nodeID, RolledBack: true, Error: "did not rejoin within timeout"}
	}
	return NodeReport{NodeID: nodeID, RolledOut: true}
}

// waitDrained polls until the follower has no running or assigned
// tasks, or drainTimeout elapses — whichever comes first.
func (u *Updater) waitDrained(ctx context.Context, nodeID string) {
	deadline := time.Now().Add(drainTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !u.hasOutstandingTasks(nodeID) {
				return
			}
		}
	}
}

func (u *Updater) hasOutstandingTasks(nodeID string) bool {
	for _, state := range []types.TaskState{types.TaskRunning, types.TaskAssigned} {
		tasks, err := u.store.ListTasksByState(state)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			if t.AssignedNodeID == nodeID {
				return true
			}
		}
	}
	return false
}

func (u *Updater) waitRejoin(ctx context.Context, nodeID string) bool {
	deadline := time.Now().Add(rejoinTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			n, err := u.store.GetNode(nodeID)
			if err != nil {
				continue
			}
			if n.Status == types.NodeStatusActive {
				return true
			}
		}
	}
	return false
}

func pushBinary(ctx context.Context, client *clusterrpc.Client, digest string, blob []byte) error {
	stream, err := client.PushBinary(ctx)
	if err != nil {
		return err
	}
	const chunkSize = 256 * 1024
	for off := 0; off < len(blob); off += chunkSize {
		end := off + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		chunk := &clusterrpc.PushBinaryChunk{Offset: int64(off), Data: blob[off:end]}
		if end == len(blob) {
			chunk.Final = true
			chunk.SHA256 = digest
		}
		if err := stream.Send(chunk); err != nil {
			return err
		}
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("node rejected binary: %s", resp.Error)
	}
	return nil
}

func readBinary(path string) (digest string, blob []byte, err error) {
	blob, err = os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read binary: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), blob, nil
}
