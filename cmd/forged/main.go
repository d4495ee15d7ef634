// Command forged is the forge control-plane node daemon: it runs Raft
// consensus, the task state machine, the scheduler, and the cluster
// and submitter RPC surfaces in a single process, grounded on the
// teacher's cmd/warren/main.go cobra wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/forge-cluster/forge/internal/clusterrpc"
	"github.com/forge-cluster/forge/internal/config"
	"github.com/forge-cluster/forge/internal/consensus"
	"github.com/forge-cluster/forge/internal/dispatch"
	"github.com/forge-cluster/forge/internal/engine"
	"github.com/forge-cluster/forge/internal/events"
	"github.com/forge-cluster/forge/internal/executor"
	"github.com/forge-cluster/forge/internal/executor/container"
	"github.com/forge-cluster/forge/internal/executor/shell"
	"github.com/forge-cluster/forge/internal/healthsrv"
	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/mcpshell"
	"github.com/forge-cluster/forge/internal/membership"
	"github.com/forge-cluster/forge/internal/plugin"
	"github.com/forge-cluster/forge/internal/rpcserver"
	"github.com/forge-cluster/forge/internal/scheduler"
	"github.com/forge-cluster/forge/internal/security"
	"github.com/forge-cluster/forge/internal/statemachine"
	"github.com/forge-cluster/forge/internal/store"
	"github.com/forge-cluster/forge/internal/updater"
)

var (
	// Version information, set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "forged",
	Short:   "forged runs a forge control-plane node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("forged version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "", "path to a YAML config file")
	startCmd.Flags().String("node-id", "", "unique ID for this node (overrides config)")
	startCmd.Flags().String("bind-addr", "", "raft and cluster RPC bind address (overrides config)")
	startCmd.Flags().String("data-dir", "", "directory for Raft log, snapshots, and task store (overrides config)")
	startCmd.Flags().String("join-addr", "", "address of an existing cluster member to join (overrides config)")
	startCmd.Flags().String("join-token", "", "join token presented to the cluster (overrides config)")
	startCmd.Flags().String("executor", "shell", "local task executor: shell or container")
	startCmd.Flags().String("containerd-socket", "", "containerd socket path when --executor=container")
	startCmd.Flags().String("rolling-update-binary", "", "path to a replacement forged binary; SIGHUP on the leader triggers a rolling update to it")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node as part of a forge cluster",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := logging.WithNodeID(cfg.NodeID)
	logger.Info().Str("bind_addr", cfg.BindAddr).Str("data_dir", cfg.DataDir).Msg("starting forged")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ca, err := loadOrCreateCA(cfg)
	if err != nil {
		return fmt.Errorf("cluster CA: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fsm := statemachine.New(st)

	node, err := consensus.New(consensus.Config{
		NodeID:             cfg.NodeID,
		BindAddr:           cfg.BindAddr,
		DataDir:            cfg.DataDir,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin(),
		ElectionTimeoutMax: cfg.ElectionTimeoutMax(),
	}, fsm)
	if err != nil {
		return fmt.Errorf("init consensus: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	mgr := membership.New(cfg, st, node, broker)

	addresses := &storeAddressBook{store: st}
	taskDispatcher := dispatch.New(ca, addresses, node, broker, int(cfg.DispatchStreamBufferBytes))

	tieBreak := scheduler.TieBreak(cfg.SchedulerTieBreak)
	sched := scheduler.New(st, node, taskDispatcher, tieBreak)

	drv := engine.New(st, node, sched, broker, cfg.ConditionTimeout())

	exec, execCloser, err := buildExecutor(cmd)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	if execCloser != nil {
		defer execCloser()
	}

	upd := updater.New(node, addresses, node, broker, ca, st, cfg.NodeID)

	rpc := rpcserver.New(cfg.NodeID, cfg.DataDir, st, node, mgr, exec, taskDispatcher, cfg.RetryDefault())

	rpcSrv, err := clusterrpc.NewServer(cfg.BindAddr, ca, false)
	if err != nil {
		return fmt.Errorf("init cluster rpc server: %w", err)
	}
	rpcSrv.RegisterMembership(rpc)
	rpcSrv.RegisterTasks(rpc)
	rpcSrv.RegisterUpdater(rpc)
	rpcSrv.RegisterSubmitter(rpc)

	host := mcpshell.NewHost()
	loader := plugin.NewLoader(host)

	if cfg.JoinAddr != "" {
		if err := joinCluster(cfg, ca); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		logger.Info().Str("join_addr", cfg.JoinAddr).Msg("join request accepted, waiting to be contacted by the leader")
	} else {
		if err := node.Bootstrap(raft.Server{
			ID:      raft.ServerID(cfg.NodeID),
			Address: raft.ServerAddress(cfg.BindAddr),
		}); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("bootstrapped single-node cluster")
	}

	mgr.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := rpcSrv.Serve(); err != nil {
			errCh <- fmt.Errorf("cluster rpc server: %w", err)
		}
	}()

	health := healthsrv.New(node, st)
	go func() {
		if err := health.Start(cfg.HealthAddr); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	ctx, cancelPlugins := context.WithCancel(context.Background())
	loader.Load(ctx, cfg.Plugins)

	sched.Start()
	go drv.Run(node.Committed())

	updateBinary, _ := cmd.Flags().GetString("rolling-update-binary")
	sighupCh := make(chan os.Signal, 1)
	signal.Notify(sighupCh, syscall.SIGHUP)
	go watchForRollingUpdate(sighupCh, upd, node, updateBinary, logger)

	logger.Info().
		Str("cluster_rpc_addr", cfg.BindAddr).
		Str("health_addr", cfg.HealthAddr).
		Msg("forged is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("background server failed")
	}

	cancelPlugins()
	loader.Shutdown()
	sched.Stop()
	drv.Stop()
	health.Stop()
	rpcSrv.Stop()
	mgr.Stop()
	broker.Stop()
	if err := node.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("consensus shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("join-addr"); v != "" {
		cfg.JoinAddr = v
	}
	if v, _ := cmd.Flags().GetString("join-token"); v != "" {
		cfg.JoinToken = v
	}
}

func loadOrCreateCA(cfg config.Config) (*security.CertAuthority, error) {
	certPath := cfg.DataDir + "/ca-cert.pem"
	keyPath := cfg.DataDir + "/ca-key.pem"
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return security.LoadFromPEM(certPEM, keyPEM)
	}

	ca, err := security.NewSelfSigned("forge")
	if err != nil {
		return nil, err
	}
	keyPEM, err = ca.CAKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("export ca key: %w", err)
	}
	if err := os.WriteFile(certPath, ca.CACertPEM(), 0o644); err != nil {
		return nil, fmt.Errorf("write ca cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write ca key: %w", err)
	}
	return ca, nil
}

func joinCluster(cfg config.Config, ca *security.CertAuthority) error {
	client, err := clusterrpc.Dial(cfg.JoinAddr, ca)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Join(ctx, &clusterrpc.JoinRequestMsg{
		NodeID:    cfg.NodeID,
		Address:   cfg.BindAddr,
		Ephemeral: cfg.Ephemeral,
		Token:     cfg.JoinToken,
	})
	if err != nil {
		return err
	}
	if !resp.Approved {
		return fmt.Errorf("join rejected: %s", resp.Reason)
	}
	return nil
}

func buildExecutor(cmd *cobra.Command) (executor.Adapter, func(), error) {
	kind, _ := cmd.Flags().GetString("executor")
	switch kind {
	case "", "shell":
		return shell.New(), nil, nil
	case "container":
		socket, _ := cmd.Flags().GetString("containerd-socket")
		adapter, err := container.New(socket)
		if err != nil {
			return nil, nil, err
		}
		return adapter, func() { adapter.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor kind %q", kind)
	}
}

// storeAddressBook resolves node RPC addresses from the replicated store.
type storeAddressBook struct {
	store store.Store
}

func (b *storeAddressBook) NodeAddress(nodeID string) (string, bool) {
	n, err := b.store.GetNode(nodeID)
	if err != nil || n == nil {
		return "", false
	}
	return n.Address, true
}

// watchForRollingUpdate drives a cluster-wide binary rollout each time
// this process (while it is the leader) receives SIGHUP, grounded on
// the teacher's manager self-update-on-signal pattern.
func watchForRollingUpdate(sighupCh <-chan os.Signal, upd *updater.Updater, node *consensus.Node, binaryPath string, logger zerolog.Logger) {
	for range sighupCh {
		if binaryPath == "" {
			logger.Warn().Msg("SIGHUP received but no --rolling-update-binary was configured")
			continue
		}
		if !node.IsLeader() {
			logger.Info().Msg("SIGHUP received on a non-leader node, ignoring rolling update trigger")
			continue
		}
		logger.Info().Str("binary", binaryPath).Msg("starting rolling update")
		report, err := upd.Run(context.Background(), binaryPath, false)
		if err != nil {
			logger.Error().Err(err).Msg("rolling update failed")
			continue
		}
		logger.Info().Interface("report", report).Msg("rolling update finished")
	}
}
