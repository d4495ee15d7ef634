// Command forgectl is the submitter-facing CLI for a forge cluster: it
// dials a node's cluster RPC port over mTLS and calls the Submitter
// service, grounded on the teacher's cmd/warren/main.go client
// subcommand style.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forge-cluster/forge/internal/clusterrpc"
	"github.com/forge-cluster/forge/internal/security"
	"github.com/forge-cluster/forge/internal/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "forgectl submits and inspects work on a forge cluster",
}

func init() {
	rootCmd.PersistentFlags().String("server", "127.0.0.1:7780", "address of any forge cluster node")
	rootCmd.PersistentFlags().String("ca-cert", "", "path to the cluster CA certificate PEM")
	rootCmd.PersistentFlags().String("ca-key", "", "path to the cluster CA key PEM")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "RPC timeout")

	submitCmd.Flags().StringToString("env", nil, "environment variables for the task (key=value)")
	submitCmd.Flags().Int("max-retries", 0, "maximum retry attempts on failure")
	submitCmd.Flags().StringSlice("tag", nil, "required node tags for placement")

	rootCmd.AddCommand(submitCmd, submitWorkflowCmd, getCmd, listCmd, cancelCmd, nodesCmd)
}

func dial(cmd *cobra.Command) (*clusterrpc.Client, func(), error) {
	certPath, _ := cmd.Flags().GetString("ca-cert")
	keyPath, _ := cmd.Flags().GetString("ca-key")
	if certPath == "" || keyPath == "" {
		return nil, nil, fmt.Errorf("--ca-cert and --ca-key are required")
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read ca key: %w", err)
	}
	ca, err := security.LoadFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("load cluster ca: %w", err)
	}

	addr, _ := cmd.Flags().GetString("server")
	client, err := clusterrpc.Dial(addr, ca)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, func() { client.Close() }, nil
}

func rpcContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(context.Background(), timeout)
}

var submitCmd = &cobra.Command{
	Use:   "submit -- <command> [args...]",
	Short: "Submit a single task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		env, _ := cmd.Flags().GetStringToString("env")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		task := &types.Task{
			ID:      uuid.NewString(),
			Command: args,
			Env:     env,
			Constraints: types.Constraints{
				RequiredTags: tags,
			},
			RetryPolicy: types.RetryPolicy{
				MaxRetries:        maxRetries,
				BackoffMs:         500,
				BackoffMultiplier: 2,
				Retryable:         maxRetries > 0,
			},
		}

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.SubmitTask(ctx, &clusterrpc.SubmitTaskRequest{Task: task})
		if err != nil {
			return err
		}
		fmt.Println(resp.TaskID)
		return nil
	},
}

var submitWorkflowCmd = &cobra.Command{
	Use:   "submit-workflow <workflow.yaml>",
	Short: "Submit a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		var wf types.Workflow
		if err := yaml.Unmarshal(raw, &wf); err != nil {
			return fmt.Errorf("parse workflow file: %w", err)
		}
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.SubmitWorkflow(ctx, &clusterrpc.SubmitWorkflowRequest{Workflow: &wf})
		if err != nil {
			return err
		}
		fmt.Println(resp.WorkflowID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.GetTask(ctx, &clusterrpc.GetTaskRequest{TaskID: args[0]})
		if err != nil {
			return err
		}
		return printJSON(resp.Task)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		state, _ := cmd.Flags().GetString("state")

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.ListTasks(ctx, &clusterrpc.ListTasksRequest{State: types.TaskState(state)})
		if err != nil {
			return err
		}
		return printJSON(resp.Tasks)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running or queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.CancelTask(ctx, &clusterrpc.CancelRequest{TaskID: args[0]})
		if err != nil {
			return err
		}
		if !resp.Cancelled {
			return fmt.Errorf("task %s is already in a terminal state", args[0])
		}
		fmt.Printf("task %s cancelled\n", args[0])
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dial(cmd)
		if err != nil {
			return err
		}
		defer closer()

		ctx, cancel := rpcContext(cmd)
		defer cancel()
		resp, err := client.ListNodes(ctx, &clusterrpc.ListNodesRequest{})
		if err != nil {
			return err
		}
		return printJSON(resp.Nodes)
	},
}

func init() {
	listCmd.Flags().String("state", "", "filter by task state (queued, running, completed, failed, cancelled)")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
