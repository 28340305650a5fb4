// Command fleetd runs one node of a fleetd cluster: a raft-backed leader
// election member that, while leader, runs the scheduler, reconciler, and
// autoscaler ticks this repository implements, and otherwise stands by as a
// passive log tail.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetd-io/fleetd/pkg/autoscaler"
	"github.com/fleetd-io/fleetd/pkg/cluster"
	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/dispatch"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/reconciler"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/scheduler"
	"github.com/fleetd-io/fleetd/pkg/storage"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd is a distributed workload orchestrator's leader-side core",
	Long: `fleetd is the scheduling and control-plane core of a distributed
workload orchestrator: a parallel filter/score scheduler, a reconciler that
drives observed cluster state toward desired state, and a hysteresis
autoscaler, all running behind raft-backed single-leader election.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(statusCmd)

	bootstrapCmd.Flags().String("node-id", "", "Unique node identifier (required)")
	bootstrapCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft bind address")
	bootstrapCmd.Flags().String("data-dir", "./data", "Durable state directory")
	bootstrapCmd.Flags().String("config", "", "Path to a YAML config file (overrides flag defaults)")
	bootstrapCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus/health HTTP listen address")
	bootstrapCmd.MarkFlagRequired("node-id")

	joinCmd.Flags().String("node-id", "", "Unique node identifier (required)")
	joinCmd.Flags().String("bind-addr", "127.0.0.1:7947", "Raft bind address")
	joinCmd.Flags().String("data-dir", "./data", "Durable state directory")
	joinCmd.Flags().String("config", "", "Path to a YAML config file (overrides flag defaults)")
	joinCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Prometheus/health HTTP listen address")
	joinCmd.Flags().String("leader-addr", "", "Existing leader's raft bind address (required)")
	joinCmd.MarkFlagRequired("node-id")
	joinCmd.MarkFlagRequired("leader-addr")

	statusCmd.Flags().String("data-dir", "./data", "Durable state directory to inspect")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a new single-node cluster and run the leader core",
	Long: `Starts a fresh raft cluster with this node as the sole voter, then
runs the scheduler, reconciler, and autoscaler for as long as this node
remains leader. Additional voters start with "fleetd join" and are then
added by calling AddVoter on this leader; this command does not add them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		c, err := cluster.NewCluster(cluster.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to construct cluster: %w", err)
		}

		if err := c.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}

		return runLeaderLoop(cmd.Context(), c, cfg, metricsAddr)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start raft on this node and wait to be added as a voter",
	Long: `Starts raft without bootstrapping a configuration. An operator
must separately call AddVoter on the cluster's current leader with this
node's id and --bind-addr; join-token issuance and that RPC call belong to
the API surface layered around this core, not to this command itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		leaderAddr, _ := cmd.Flags().GetString("leader-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		c, err := cluster.NewCluster(cluster.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to construct cluster: %w", err)
		}

		if err := c.Join(); err != nil {
			return fmt.Errorf("failed to join raft: %w", err)
		}

		fmt.Printf("Raft started on %s; waiting to be added as a voter by the leader at %s\n", cfg.BindAddr, leaderAddr)

		return runLeaderLoop(cmd.Context(), c, cfg, metricsAddr)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of job/node state from the local durable store",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		jobs, err := store.ListJobs()
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		nodes, err := store.ListNodes()
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}

		fmt.Printf("Jobs (%d):\n", len(jobs))
		for _, j := range jobs {
			fmt.Printf("  %s  v%d  %-10s  namespace=%s\n", j.ID, j.Version, j.Status, j.Namespace)
		}
		fmt.Println()
		fmt.Printf("Nodes (%d):\n", len(nodes))
		for _, n := range nodes {
			state := "ready"
			if n.Drain {
				state = "draining"
			} else if !n.Ready {
				state = "not-ready"
			}
			fmt.Printf("  %s  %-10s  dc=%s cpu=%dm mem=%dMiB\n", n.ID, state, n.Datacenter, n.Capacity.CPUMillicores, n.Capacity.MemoryMiB)
		}
		return nil
	},
}

// loadConfig merges the on-disk config file (if --config is set) with the
// node-id/bind-addr/data-dir flags every subcommand shares.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	// With a config file, only flags set on the command line replace its
	// values; without one, the flag defaults apply.
	override := func(name string) bool { return path == "" || cmd.Flags().Changed(name) }
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" && override("bind-addr") {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" && override("data-dir") {
		cfg.DataDir = v
	}
	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("node-id is required")
	}
	return cfg, nil
}

// runLeaderLoop reacts to pkg/cluster's LeadershipChanges signal:
// registries, scheduler, reconciler, autoscaler, and the dispatch queue are
// all constructed fresh each time this node acquires leadership, and torn
// down the moment it loses it.
func runLeaderLoop(ctx context.Context, c *cluster.Cluster, cfg config.Config, metricsAddr string) error {
	collector := metrics.NewCollector(c)
	collector.Start()
	defer collector.Stop()

	probe := metrics.NewProbe(c, Version)
	httpSrv := startMetricsServer(metricsAddr, probe)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var term *leaderTerm

	log.Logger.Info().Str("node_id", cfg.NodeID).Msg("fleetd started, waiting for leadership")

	for {
		select {
		case isLeader := <-c.LeadershipChanges():
			if isLeader {
				log.Logger.Info().Msg("acquired leadership, starting scheduler/reconciler/autoscaler")
				var err error
				term, err = startLeaderTerm(runCtx, c, cfg)
				if err != nil {
					log.Logger.Error().Err(err).Msg("failed to start leader term, stepping down")
					probe.SetLeading(false, "startup failure")
				} else {
					probe.SetLeading(true, "leading")
				}
			} else if term != nil {
				log.Logger.Info().Msg("lost leadership, stopping scheduler/reconciler/autoscaler")
				probe.SetLeading(false, "not leading")
				term.Stop()
				term = nil
			}
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
			if term != nil {
				term.Stop()
			}
			_ = httpSrv.Close()
			return c.Shutdown()
		case <-runCtx.Done():
			if term != nil {
				term.Stop()
			}
			_ = httpSrv.Close()
			return c.Shutdown()
		}
	}
}

// leaderTerm bundles everything that lives only while this node is leader.
type leaderTerm struct {
	jobs       *registry.JobRegistry
	nodes      *registry.NodeRegistry
	sched      *scheduler.Scheduler
	recon      *reconciler.Reconciler
	auto       *autoscaler.Autoscaler
	dispatchQ  *dispatch.Queue
	cancelFunc context.CancelFunc
}

func (t *leaderTerm) Stop() {
	t.recon.Stop()
	t.auto.Stop()
	t.dispatchQ.Stop()
	t.nodes.Stop()
	t.cancelFunc()
}

// logSender is the thin stand-in for the worker-agent RPC client, which
// lives outside this process; it logs what would have been sent so the
// control plane is exercisable standalone.
type logSender struct{}

func (logSender) Send(ctx context.Context, alloc *types.Allocation) error {
	log.Logger.Debug().
		Str("allocation_id", alloc.ID).
		Str("node_id", alloc.NodeID).
		Str("job_id", alloc.JobID).
		Msg("dispatch: would send allocation to worker agent")
	return nil
}

func startLeaderTerm(ctx context.Context, c *cluster.Cluster, cfg config.Config) (*leaderTerm, error) {
	termCtx, cancel := context.WithCancel(ctx)

	jobs := registry.NewJobRegistry(c, cfg.Admission)
	nodes, err := registry.NewNodeRegistry(c, jobs, cfg.Tick.HeartbeatInterval, cfg.Tick.FailureThreshold)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to construct node registry: %w", err)
	}
	nodes.Start()

	dispatchQ := dispatch.NewQueue(logSender{}, jobs, cfg.Scheduler)
	dispatchQ.Start(8)

	sched := scheduler.New()
	recon := reconciler.New(jobs, nodes, sched, dispatchQ, cfg.Tick)
	recon.Start(termCtx)

	autoSource := autoscaler.NewReplicaHealthSource(jobs)
	autosc := autoscaler.New(jobs, autoSource, cfg.Tick)
	autosc.Start(termCtx)

	return &leaderTerm{
		jobs:       jobs,
		nodes:      nodes,
		sched:      sched,
		recon:      recon,
		auto:       autosc,
		dispatchQ:  dispatchQ,
		cancelFunc: cancel,
	}, nil
}

func startMetricsServer(addr string, probe *metrics.Probe) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", probe.HealthHandler())
	mux.Handle("/ready", probe.ReadyHandler())
	mux.Handle("/live", probe.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics/health endpoints listening")
	return srv
}
