// Package consensus wraps hashicorp/raft behind the propose/subscribe
// contract the rest of the control plane depends on, grounded on the
// teacher's pkg/manager/manager.go Bootstrap/Join/Apply methods but
// narrowed to exactly what §4.1 names.
package consensus

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/forge-cluster/forge/internal/clustererr"
	"github.com/forge-cluster/forge/internal/metrics"
	"github.com/forge-cluster/forge/internal/statemachine"
	"github.com/forge-cluster/forge/internal/types"
)

// Config configures a Node's Raft participation.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration

	// ElectionTimeoutMin/Max, when both set, override HeartbeatTimeout
	// and ElectionTimeout respectively: raft randomizes each election's
	// actual timeout within [HeartbeatTimeout, ElectionTimeout], so the
	// configured range becomes that floor/ceiling.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	return c
}

// Node wraps *raft.Raft and the replicated FSM.
type Node struct {
	cfg      Config
	raft     *raft.Raft
	fsm      *statemachine.FSM
	transport *raft.NetworkTransport
}

// New constructs the raft.Raft instance for this node (not yet
// bootstrapped or joined).
func New(cfg Config, fsm *statemachine.FSM) (*Node, error) {
	cfg = cfg.withDefaults()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	if cfg.ElectionTimeoutMin > 0 && cfg.ElectionTimeoutMax > 0 {
		raftCfg.HeartbeatTimeout = cfg.ElectionTimeoutMin
		raftCfg.ElectionTimeout = cfg.ElectionTimeoutMax
	}
	raftCfg.CommitTimeout = cfg.CommitTimeout
	raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("consensus: mkdir data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: create raft: %w", err)
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm, transport: transport}, nil
}

// Bootstrap forms a brand-new single-node (or known-peer) cluster.
func (n *Node) Bootstrap(peers ...raft.Server) error {
	servers := peers
	if len(servers) == 0 {
		servers = []raft.Server{{ID: raft.ServerID(n.cfg.NodeID), Address: raft.ServerAddress(n.cfg.BindAddr)}}
	}
	f := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil {
		return fmt.Errorf("consensus: bootstrap: %w", err)
	}
	return nil
}

// AddVoter adds a node as a voting member, typically invoked by the
// leader after a successful membership approval.
func (n *Node) AddVoter(id, addr string) error {
	f := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return f.Error()
}

// RemoveServer removes a node from the voter configuration.
func (n *Node) RemoveServer(id string) error {
	f := n.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return f.Error()
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader, if known.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// GetConfiguration returns the current voter configuration.
func (n *Node) GetConfiguration() (raft.Configuration, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return raft.Configuration{}, err
	}
	return f.Configuration(), nil
}

// LeadershipTransfer steps this node down, handing leadership to
// another voter, used by the rolling updater before the leader
// updates its own binary.
func (n *Node) LeadershipTransfer() error {
	f := n.raft.LeadershipTransfer()
	return f.Error()
}

// Propose marshals kind/payload into a Command and applies it through
// Raft, translating errors into the clustererr taxonomy.
func (n *Node) Propose(kind types.EntryKind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", clustererr.ErrInvalidRequest, err)
	}
	cmd := types.Command{Kind: kind, Payload: data}
	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: marshal command: %v", clustererr.ErrInternal, err)
	}

	timer := metrics.NewTimer()
	f := n.raft.Apply(cmdData, 5*time.Second)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return clustererr.NotLeader(n.LeaderAddr())
		}
		if err == raft.ErrEnqueueTimeout {
			return fmt.Errorf("%w: %v", clustererr.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", clustererr.ErrUnavailable, err)
	}

	if res, ok := f.Response().(statemachine.ApplyResult); ok && res.Err != nil {
		return fmt.Errorf("%w: %v", clustererr.ErrInternal, res.Err)
	}
	return nil
}

// Shutdown stops the raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

// ReportMetrics exposes gauges for the metrics package to sample periodically.
func (n *Node) ReportMetrics() {
	if n.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	stats := n.raft.Stats()
	if termStr, ok := stats["term"]; ok {
		var term float64
		fmt.Sscanf(termStr, "%f", &term)
		metrics.RaftTerm.Set(term)
	}
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
}

// Committed exposes the FSM's single-subscriber committed-entry bus
// for the apply bus driver.
func (n *Node) Committed() <-chan statemachine.ApplyResult {
	return n.fsm.Committed()
}
