// Package executor defines the minimal adapter contract a task
// executor conforms to: launch a spec, stream its output, and report
// a final result, cancellable mid-flight. Concrete adapters live in
// the shell, container, and k8sjob subpackages; spec.md places the
// real local-executor and Kubernetes-job bodies out of scope, so only
// the contract and a demonstrative or stub implementation are built
// here.
package executor

import (
	"context"

	"github.com/forge-cluster/forge/internal/types"
)

// Chunk is one frame of adapter output, mirroring
// clusterrpc.DispatchChunk's shape without importing the rpc layer.
type Chunk struct {
	Channel string // "stdout" | "stderr"
	Data    []byte
	Final   bool
	Result  *types.TaskResult
}

// Adapter launches a task's command and streams its output.
type Adapter interface {
	// Launch starts the task and returns a channel of Chunks. The
	// channel is closed after the final chunk (Final == true) is sent.
	// Cancelling ctx must cause the underlying process/job to receive a
	// termination signal and the channel to close promptly.
	Launch(ctx context.Context, task *types.Task) (<-chan Chunk, error)
}
