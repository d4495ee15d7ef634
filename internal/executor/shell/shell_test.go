package shell

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/types"
)

func TestLaunchStreamsStdoutAndReportsExitCode(t *testing.T) {
	a := New()
	task := &types.Task{ID: "t1", Command: []string{"echo", "hello"}}
	ch, err := a.Launch(context.Background(), task)
	require.NoError(t, err)

	var gotOutput bool
	var final *types.TaskResult
	for chunk := range ch {
		if chunk.Channel == "stdout" && len(chunk.Data) > 0 {
			gotOutput = true
		}
		if chunk.Final {
			final = chunk.Result
		}
	}
	require.True(t, gotOutput)
	require.NotNil(t, final)
	require.Equal(t, 0, final.ExitCode)
}

func TestLaunchReportsNonZeroExitCode(t *testing.T) {
	a := New()
	task := &types.Task{ID: "t2", Command: []string{"sh", "-c", "exit 3"}}
	ch, err := a.Launch(context.Background(), task)
	require.NoError(t, err)

	var final *types.TaskResult
	for chunk := range ch {
		if chunk.Final {
			final = chunk.Result
		}
	}
	require.NotNil(t, final)
	require.Equal(t, 3, final.ExitCode)
}

func TestLaunchRejectsEmptyCommand(t *testing.T) {
	a := New()
	_, err := a.Launch(context.Background(), &types.Task{ID: "t3"})
	require.Error(t, err)
}

func TestLaunchRespectsCancellation(t *testing.T) {
	a := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task := &types.Task{ID: "t4", Command: []string{"sleep", "5"}}
	ch, err := a.Launch(ctx, task)
	require.NoError(t, err)

	var final *types.TaskResult
	for chunk := range ch {
		if chunk.Final {
			final = chunk.Result
		}
	}
	require.NotNil(t, final)
	require.NotEqual(t, 0, final.ExitCode)
}
