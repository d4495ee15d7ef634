// Package container implements executor.Adapter by launching a task
// inside a containerd-managed container, grounded on the teacher's
// pkg/runtime/containerd.go client construction and spec shaping. The
// full container lifecycle (image pull, snapshot, task IO wiring) is
// out of spec.md's scope; this adapter wires the genuine containerd
// client call path rather than hand-rolling a fake one, stopping short
// of a complete runtime.
package container

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/forge-cluster/forge/internal/executor"
	"github.com/forge-cluster/forge/internal/types"
)

const (
	// DefaultNamespace is the containerd namespace tasks run under.
	DefaultNamespace = "forge"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Adapter launches tasks as containerd containers. Task.Command[0] is
// treated as the image reference; the remainder is the container's
// entrypoint override.
type Adapter struct {
	client    *containerd.Client
	namespace string
}

// New dials containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Adapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("container: connect to containerd: %w", err)
	}
	return &Adapter{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the containerd client connection.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Launch satisfies executor.Adapter. Command[0] is the image
// reference; the task's environment variables are injected into the
// container spec.
func (a *Adapter) Launch(ctx context.Context, task *types.Task) (<-chan executor.Chunk, error) {
	if len(task.Command) == 0 {
		return nil, fmt.Errorf("container: task %s has no image reference", task.ID)
	}
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	imageRef := task.Command[0]

	image, err := a.client.GetImage(ctx, imageRef)
	if err != nil {
		image, err = a.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("container: pull image %s: %w", imageRef, err)
		}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(task.Env) > 0 {
		opts = append(opts, oci.WithEnv(envSlice(task.Env)))
	}
	if len(task.Command) > 1 {
		opts = append(opts, oci.WithProcessArgs(task.Command[1:]...))
	}

	ctr, err := a.client.NewContainer(
		ctx,
		task.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(task.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("container: create container: %w", err)
	}

	out := make(chan executor.Chunk, 16)
	outW := &chunkWriter{ch: out, channel: "stdout"}
	errW := &chunkWriter{ch: out, channel: "stderr"}

	proc, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, outW, errW)))
	if err != nil {
		_ = ctr.Delete(ctx)
		return nil, fmt.Errorf("container: create task: %w", err)
	}

	exitCh, err := proc.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("container: wait: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("container: start: %w", err)
	}

	go func() {
		status := <-exitCh
		out <- executor.Chunk{Final: true, Result: &types.TaskResult{ExitCode: int(status.ExitCode())}}
		close(out)
		_, _ = proc.Delete(ctx)
		_ = ctr.Delete(ctx)
	}()

	return out, nil
}

// chunkWriter adapts an executor.Chunk channel to io.Writer for cio streams.
type chunkWriter struct {
	ch      chan<- executor.Chunk
	channel string
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.ch <- executor.Chunk{Channel: w.channel, Data: data}
	return len(p), nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
