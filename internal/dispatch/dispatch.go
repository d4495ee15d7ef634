// Package dispatch hands an assigned task to its node over clusterrpc
// and folds the resulting output stream back into proposed Raft
// commands, grounded on the teacher's pkg/dispatch/dispatch.go
// node-agent fan-out.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forge-cluster/forge/internal/clusterrpc"
	"github.com/forge-cluster/forge/internal/clustererr"
	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/security"
	"github.com/forge-cluster/forge/internal/types"
)

// Proposer is the subset of the consensus layer the dispatcher needs
// to record task completion/failure once a node reports in.
type Proposer interface {
	Propose(kind types.EntryKind, payload interface{}) error
}

// AddressBook resolves a node ID to its clusterrpc listen address.
type AddressBook interface {
	NodeAddress(nodeID string) (string, bool)
}

// Dispatcher implements scheduler.Dispatcher by opening a streaming
// Tasks.Dispatch RPC to the assigned node and consuming its chunks
// until the node reports a terminal result.
type Dispatcher struct {
	ca          *security.CertAuthority
	addresses   AddressBook
	proposer    Proposer
	broker      *events.Broker
	bufferBytes int
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*clusterrpc.Client
}

// New constructs a Dispatcher. bufferBytes caps the stdout and the
// stderr accumulated per dispatched task, each stream separately,
// before output is truncated; a value <= 0 means unbounded.
func New(ca *security.CertAuthority, addresses AddressBook, proposer Proposer, broker *events.Broker, bufferBytes int) *Dispatcher {
	return &Dispatcher{
		ca:          ca,
		addresses:   addresses,
		proposer:    proposer,
		broker:      broker,
		bufferBytes: bufferBytes,
		logger:      logging.WithComponent("dispatch"),
		clients:     make(map[string]*clusterrpc.Client),
	}
}

// appendCapped appends src to dst, truncating once dst reaches cap
// bytes so a runaway task cannot exhaust memory buffering output that
// will eventually be persisted into a single Raft log entry.
func appendCapped(dst, src []byte, cap int) []byte {
	if cap <= 0 {
		return append(dst, src...)
	}
	if len(dst) >= cap {
		return dst
	}
	room := cap - len(dst)
	if room < len(src) {
		src = src[:room]
	}
	return append(dst, src...)
}

// Dispatch satisfies scheduler.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, nodeID string, task *types.Task) error {
	client, err := d.clientFor(nodeID)
	if err != nil {
		return err
	}

	req := &clusterrpc.DispatchRequest{Task: task}
	stream, err := client.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("dispatch: open stream to %s: %w", nodeID, err)
	}

	if err := d.proposer.Propose(types.EntryTaskStart, map[string]string{"task_id": task.ID}); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("propose task_start")
	}

	var stdout, stderr []byte
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Str("node_id", nodeID).Msg("dispatch stream")
			return d.proposeFailure(task.ID, fmt.Sprintf("stream error: %v", err))
		}
		switch chunk.Channel {
		case "stdout":
			stdout = appendCapped(stdout, chunk.Data, d.bufferBytes)
		case "stderr":
			stderr = appendCapped(stderr, chunk.Data, d.bufferBytes)
		}
		d.broker.Publish(&events.Event{
			Type:    events.TaskOutput,
			Message: string(chunk.Data),
			Metadata: map[string]string{
				"task_id": task.ID,
				"channel": chunk.Channel,
			},
		})
		if chunk.Final {
			return d.proposeResult(task.ID, chunk.Result, stdout, stderr)
		}
	}
	return d.proposeFailure(task.ID, "dispatch stream closed without a final chunk")
}

// CancelTask issues a best-effort cancel RPC to the node currently
// running taskID.
func (d *Dispatcher) CancelTask(ctx context.Context, nodeID, taskID string) error {
	client, err := d.clientFor(nodeID)
	if err != nil {
		return err
	}
	_, err = client.CancelTask(ctx, &clusterrpc.CancelRequest{TaskID: taskID})
	return err
}

func (d *Dispatcher) proposeResult(taskID string, result *types.TaskResult, stdout, stderr []byte) error {
	exitCode := 0
	if result != nil {
		exitCode = result.ExitCode
	}
	if exitCode == 0 {
		return d.proposer.Propose(types.EntryTaskComplete, map[string]interface{}{
			"task_id": taskID,
			"result": types.TaskResult{
				ExitCode: exitCode,
				Stdout:   string(stdout),
				Stderr:   string(stderr),
			},
		})
	}
	return d.proposeFailureWithOutput(taskID, fmt.Sprintf("exit code %d", exitCode), stdout, stderr)
}

func (d *Dispatcher) proposeFailure(taskID, reason string) error {
	return d.proposeFailureWithOutput(taskID, reason, nil, nil)
}

func (d *Dispatcher) proposeFailureWithOutput(taskID, reason string, stdout, stderr []byte) error {
	return d.proposer.Propose(types.EntryTaskFail, map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
		"result": types.TaskResult{
			ExitCode: -1,
			Stdout:   string(stdout),
			Stderr:   string(stderr),
		},
	})
}

func (d *Dispatcher) clientFor(nodeID string) (*clusterrpc.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[nodeID]; ok {
		return c, nil
	}
	addr, ok := d.addresses.NodeAddress(nodeID)
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: no known address for node %s", clustererr.ErrUnavailable, nodeID)
	}
	c, err := clusterrpc.Dial(addr, d.ca)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial %s: %w", nodeID, err)
	}
	d.clients[nodeID] = c
	return c, nil
}

// Close tears down every cached client connection.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		_ = c.Close()
	}
	d.clients = make(map[string]*clusterrpc.Client)
}
