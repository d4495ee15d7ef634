// Package rpcserver implements the four clusterrpc service interfaces
// against the local store, the membership manager, the consensus
// proposer, and (on a node configured to execute tasks) an
// executor.Adapter, grounded on the teacher's pkg/api/server.go
// RPC-surface-over-manager shape.
package rpcserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/forge-cluster/forge/internal/clustererr"
	"github.com/forge-cluster/forge/internal/clusterrpc"
	"github.com/forge-cluster/forge/internal/executor"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/membership"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/types"
)

// Proposer is the subset of consensus.Node the RPC surface needs.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
	IsLeader() bool
	LeaderAddr() string
}

// TaskCanceller issues a best-effort remote cancel to whichever node
// currently runs a task, satisfied by dispatch.Dispatcher.
type TaskCanceller interface {
	CancelTask(ctx context.Context, nodeID, taskID string) error
}

// Server implements MembershipServer, TasksServer, UpdaterServer, and
// SubmitterServer. adapter may be nil on a node that never executes
// tasks itself; canceller may be nil on a node that never dispatches
// to others (only the leader dispatches).
type Server struct {
	nodeID       string
	dataDir      string
	store        store.Store
	proposer     Proposer
	membership   *membership.Manager
	adapter      executor.Adapter
	canceller    TaskCanceller
	retryDefault types.RetryPolicy
	logger       zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New constructs a Server. retryDefault fills in the retry policy of any
// submitted task or workflow task definition that doesn't specify its
// own (a zero-value RetryPolicy).
func New(nodeID, dataDir string, st store.Store, proposer Proposer, mgr *membership.Manager, adapter executor.Adapter, canceller TaskCanceller, retryDefault types.RetryPolicy) *Server {
	return &Server{
		nodeID:       nodeID,
		dataDir:      dataDir,
		store:        st,
		proposer:     proposer,
		membership:   mgr,
		adapter:      adapter,
		canceller:    canceller,
		retryDefault: retryDefault,
		logger:       logging.WithComponent("rpcserver"),
		running:      make(map[string]context.CancelFunc),
	}
}

// withRetryDefault fills in rp with the server's configured default
// retry policy if rp is the zero value, i.e. the caller never set one.
func withRetryDefault(rp, def types.RetryPolicy) types.RetryPolicy {
	if rp == (types.RetryPolicy{}) {
		return def
	}
	return rp
}

// --- MembershipServer ---

func (s *Server) Heartbeat(ctx context.Context, req *clusterrpc.HeartbeatRequest) (*clusterrpc.HeartbeatResponse, error) {
	resources, err := types.NormalizeResources(req.Resources)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clustererr.ErrInvalidRequest, err)
	}
	if err := s.membership.RecordHeartbeat(req.NodeID, resources); err != nil {
		return nil, err
	}
	return &clusterrpc.HeartbeatResponse{Ack: true}, nil
}

func (s *Server) Join(ctx context.Context, req *clusterrpc.JoinRequestMsg) (*clusterrpc.JoinResponse, error) {
	jr := &types.JoinRequest{
		NodeID:    req.NodeID,
		Address:   req.Address,
		Tags:      req.Tags,
		Ephemeral: req.Ephemeral,
		Token:     req.Token,
	}
	if err := s.membership.HandleJoin(jr); err != nil {
		return nil, err
	}
	for _, p := range s.membership.PendingRequests() {
		if p.NodeID == req.NodeID {
			return &clusterrpc.JoinResponse{Approved: false, Reason: "pending operator approval"}, nil
		}
	}
	return &clusterrpc.JoinResponse{Approved: true}, nil
}

// --- TasksServer ---

// Dispatch launches req.Task through the local executor.Adapter and
// streams its output chunks back, finishing with a terminal chunk
// carrying the TaskResult. Called on the node a task was assigned to,
// not on the leader.
func (s *Server) Dispatch(req *clusterrpc.DispatchRequest, stream grpc.ServerStreamingServer[clusterrpc.DispatchChunk]) error {
	if s.adapter == nil {
		return fmt.Errorf("rpcserver: node %s has no executor configured", s.nodeID)
	}
	task := req.Task

	ctx, cancel := context.WithCancel(stream.Context())
	s.mu.Lock()
	s.running[task.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		cancel()
	}()

	ch, err := s.adapter.Launch(ctx, task)
	if err != nil {
		return fmt.Errorf("rpcserver: launch task %s: %w", task.ID, err)
	}

	for chunk := range ch {
		out := &clusterrpc.DispatchChunk{Channel: chunk.Channel, Data: chunk.Data, Final: chunk.Final, Result: chunk.Result}
		if err := stream.Send(out); err != nil {
			return fmt.Errorf("rpcserver: send dispatch chunk: %w", err)
		}
	}
	return nil
}

// Cancel stops a task currently running locally, if any.
func (s *Server) Cancel(ctx context.Context, req *clusterrpc.CancelRequest) (*clusterrpc.CancelResponse, error) {
	s.mu.Lock()
	cancel, ok := s.running[req.TaskID]
	s.mu.Unlock()
	if !ok {
		return &clusterrpc.CancelResponse{Cancelled: false}, nil
	}
	cancel()
	return &clusterrpc.CancelResponse{Cancelled: true}, nil
}

// --- UpdaterServer ---

func (s *Server) pendingBinaryPath() string {
	return filepath.Join(s.dataDir, "forged.pending")
}

func (s *Server) prevBinaryPath() string {
	return filepath.Join(s.dataDir, "forged.prev")
}

// backupFile copies src to dst, truncating any existing dst. Used
// before an in-place binary swap so a failed rejoin can be rolled back.
func backupFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// PushBinary receives a chunked binary from the leader during a
// rolling update, verifying its SHA-256 digest before accepting it.
func (s *Server) PushBinary(stream grpc.ClientStreamingServer[clusterrpc.PushBinaryChunk, clusterrpc.PushBinaryResponse]) error {
	path := s.pendingBinaryPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("rpcserver: open pending binary file: %w", err)
	}
	hasher := sha256.New()
	writer := io.MultiWriter(f, hasher)

	var wantDigest string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("rpcserver: receive binary chunk: %w", err)
		}
		if _, err := writer.Write(chunk.Data); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("rpcserver: write binary chunk: %w", err)
		}
		if chunk.Final {
			wantDigest = chunk.SHA256
			break
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rpcserver: close pending binary file: %w", err)
	}

	gotDigest := hex.EncodeToString(hasher.Sum(nil))
	if wantDigest != "" && gotDigest != wantDigest {
		os.Remove(path)
		return stream.SendAndClose(&clusterrpc.PushBinaryResponse{Accepted: false, Error: "sha256 mismatch"})
	}
	return stream.SendAndClose(&clusterrpc.PushBinaryResponse{Accepted: true})
}

// ActivateBinary installs the previously pushed binary over the
// running executable and re-execs the process into it, grounded on
// the teacher's in-place restart used by its embedded containerd
// manager rather than a process supervisor handoff.
func (s *Server) ActivateBinary(ctx context.Context, req *clusterrpc.ActivateBinaryRequest) (*clusterrpc.ActivateBinaryResponse, error) {
	pending := s.pendingBinaryPath()
	if _, err := os.Stat(pending); err != nil {
		return nil, fmt.Errorf("rpcserver: no pending binary to activate: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("rpcserver: locate running executable: %w", err)
	}
	// os.Rename below overwrites execPath destructively; back it up
	// first so RollbackBinary has something to restore if this node
	// never successfully rejoins on the new version.
	if err := backupFile(execPath, s.prevBinaryPath()); err != nil {
		return nil, fmt.Errorf("rpcserver: back up running binary: %w", err)
	}
	if err := os.Rename(pending, execPath); err != nil {
		return nil, fmt.Errorf("rpcserver: install pending binary: %w", err)
	}

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.logger.Info().Str("path", execPath).Msg("re-executing into updated binary")
		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			s.logger.Error().Err(err).Msg("re-exec after binary activation failed")
		}
	}()
	return &clusterrpc.ActivateBinaryResponse{Activated: true}, nil
}

// RollbackBinary restores the binary backed up by the most recent
// ActivateBinary and re-execs into it. Called by the leader's updater
// when a node fails to rejoin within the rejoin timeout after an
// update, so the node comes back on the version it was running before.
func (s *Server) RollbackBinary(ctx context.Context, req *clusterrpc.RollbackBinaryRequest) (*clusterrpc.RollbackBinaryResponse, error) {
	prev := s.prevBinaryPath()
	if _, err := os.Stat(prev); err != nil {
		return nil, fmt.Errorf("rpcserver: no backed-up binary to roll back to: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("rpcserver: locate running executable: %w", err)
	}
	if err := os.Rename(prev, execPath); err != nil {
		return nil, fmt.Errorf("rpcserver: restore backed-up binary: %w", err)
	}

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.logger.Info().Str("path", execPath).Msg("re-executing into rolled-back binary")
		if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
			s.logger.Error().Err(err).Msg("re-exec after binary rollback failed")
		}
	}()
	return &clusterrpc.RollbackBinaryResponse{RolledBack: true}, nil
}

// --- SubmitterServer ---

func (s *Server) SubmitTask(ctx context.Context, req *clusterrpc.SubmitTaskRequest) (*clusterrpc.SubmitTaskResponse, error) {
	task := req.Task
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.RetryPolicy = withRetryDefault(task.RetryPolicy, s.retryDefault)
	if err := s.proposer.Propose(types.EntryTaskSubmit, task); err != nil {
		return nil, err
	}
	return &clusterrpc.SubmitTaskResponse{TaskID: task.ID}, nil
}

func (s *Server) SubmitWorkflow(ctx context.Context, req *clusterrpc.SubmitWorkflowRequest) (*clusterrpc.SubmitWorkflowResponse, error) {
	wf := req.Workflow
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for key, def := range wf.Tasks {
		def.RetryPolicy = withRetryDefault(def.RetryPolicy, s.retryDefault)
		wf.Tasks[key] = def
	}
	if err := s.proposer.Propose(types.EntryWorkflowSubmit, wf); err != nil {
		return nil, err
	}
	return &clusterrpc.SubmitWorkflowResponse{WorkflowID: wf.ID}, nil
}

func (s *Server) GetTask(ctx context.Context, req *clusterrpc.GetTaskRequest) (*clusterrpc.GetTaskResponse, error) {
	t, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	return &clusterrpc.GetTaskResponse{Task: t}, nil
}

func (s *Server) ListTasks(ctx context.Context, req *clusterrpc.ListTasksRequest) (*clusterrpc.ListTasksResponse, error) {
	var (
		tasks []*types.Task
		err   error
	)
	if req.State != "" {
		tasks, err = s.store.ListTasksByState(req.State)
	} else {
		tasks, err = s.store.ListTasks()
	}
	if err != nil {
		return nil, err
	}
	return &clusterrpc.ListTasksResponse{Tasks: tasks}, nil
}

func (s *Server) ListNodes(ctx context.Context, req *clusterrpc.ListNodesRequest) (*clusterrpc.ListNodesResponse, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}
	return &clusterrpc.ListNodesResponse{Nodes: nodes}, nil
}

func (s *Server) CancelTask(ctx context.Context, req *clusterrpc.CancelRequest) (*clusterrpc.CancelResponse, error) {
	t, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return &clusterrpc.CancelResponse{Cancelled: false}, nil
	}
	if err := s.proposer.Propose(types.EntryTaskCancel, map[string]string{"task_id": req.TaskID}); err != nil {
		return nil, err
	}
	if t.AssignedNodeID != "" && s.canceller != nil {
		if err := s.canceller.CancelTask(ctx, t.AssignedNodeID, req.TaskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", req.TaskID).Str("node_id", t.AssignedNodeID).Msg("remote cancel failed")
		}
	}
	return &clusterrpc.CancelResponse{Cancelled: true}, nil
}
