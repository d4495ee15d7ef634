// Package k8sjob defines the executor.Adapter contract shape for a
// Kubernetes Job-backed task launcher. The real adapter — building a
// Job manifest and watching it via k8s.io/client-go — is explicitly
// out of scope; this package exists only so the tagged-variant
// dispatch in the task-engine state machine has a concrete (if
// unimplemented) k8s_job case to route to.
package k8sjob

import (
	"context"
	"fmt"

	"github.com/forge-cluster/forge/internal/executor"
	"github.com/forge-cluster/forge/internal/types"
)

// Adapter is a stub satisfying executor.Adapter for task type
// k8s_job. Launch always fails with ErrNotImplemented; no
// k8s.io/client-go dependency is pulled in for it.
type Adapter struct{}

// New constructs the stub Adapter.
func New() *Adapter { return &Adapter{} }

// ErrNotImplemented is returned by every Launch call.
var ErrNotImplemented = fmt.Errorf("k8sjob: kubernetes job adapter is not implemented")

// Launch satisfies executor.Adapter.
func (a *Adapter) Launch(ctx context.Context, task *types.Task) (<-chan executor.Chunk, error) {
	return nil, ErrNotImplemented
}
