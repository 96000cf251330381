// ============================================================================
// Probe-Swarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for every process role of the swarm
//
// Command Structure:
//   swarm                          # Root command
//   ├── coordinator                # Run the coordinator and its gRPC service
//   ├── node                       # Run a remote node manager
//   ├── standalone                 # Coordinator + local nodes in one process
//   ├── elastic-fn                 # Serve the elastic function (HTTP)
//   ├── elastic-node               # Drive an elastic function as a node
//   ├── submit                     # Submit a job file
//   ├── status [job-id]            # Show one job or all jobs
//   ├── cancel <job-id>            # Cancel a job
//   ├── nodes                      # List registered nodes
//   ├── journal                    # Dump / validate the coordinator WAL
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration Management:
//   YAML file with sections coordinator / node / executor / reporter /
//   elastic / metrics / tracing / logging. Missing sections keep defaults.
//
// Signal Handling:
//   Long-running commands stop on SIGINT / SIGTERM:
//   1. Stop pulling new work
//   2. Finish or return in-flight items
//   3. Flush results, snapshot, close resources
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"github.com/ChuLiYu/probe-swarm/internal/coordinator"
	"github.com/ChuLiYu/probe-swarm/internal/elastic"
	"github.com/ChuLiYu/probe-swarm/internal/metrics"
	"github.com/ChuLiYu/probe-swarm/internal/probe"
	"github.com/ChuLiYu/probe-swarm/internal/server"
	"github.com/ChuLiYu/probe-swarm/internal/storage/wal"
	"github.com/ChuLiYu/probe-swarm/internal/tracing"
	"github.com/ChuLiYu/probe-swarm/internal/transport"
	"github.com/ChuLiYu/probe-swarm/internal/worker"
	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// shutdownTimeout bounds graceful shutdown of every role.
const shutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "probe-swarm: distributed work-stealing probe scheduler",
		Long: `probe-swarm splits (target, injection point, payload) probes into work items and
spreads them over local threads, remote nodes and elastic functions with:
- pull-based batches and work stealing inside and across nodes
- at-least-once execution with exactly-once results
- WAL + snapshot recovery of the coordinator`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildCoordinatorCommand())
	rootCmd.AddCommand(buildNodeCommand())
	rootCmd.AddCommand(buildStandaloneCommand())
	rootCmd.AddCommand(buildElasticFnCommand())
	rootCmd.AddCommand(buildElasticNodeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildNodesCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// setup loads the config file and installs the logger.
func setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := setupLogging(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT / SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// Shared runtime: metrics + tracing
// ============================================================================

type services struct {
	metrics       *metrics.Collector
	metricsServer *http.Server
	traceShutdown tracing.ShutdownFunc
}

func startRuntime(ctx context.Context, cfg *Config, service string) (*services, error) {
	rt := &services{}
	shutdown, err := tracing.Init(ctx, service, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	rt.traceShutdown = shutdown

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rt.metrics = metrics.NewCollector(reg)
		rt.metricsServer = metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			slog.Info("Starting metrics server", "addr", rt.metricsServer.Addr)
			if err := rt.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}
	return rt, nil
}

func (rt *services) close(ctx context.Context) {
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
	if err := rt.traceShutdown(ctx); err != nil {
		slog.Warn("Tracing shutdown failed", "error", err)
	}
}

func newCoordinator(cfg *Config, rt *services, logger *slog.Logger) (*coordinator.Coordinator, error) {
	sink, err := buildReporter(cfg.Reporter, afs.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build reporter: %w", err)
	}
	coord, err := coordinator.New(cfg.Coordinator,
		coordinator.WithReporter(sink),
		coordinator.WithReporterBuffer(cfg.Reporter.Buffer),
		coordinator.WithMetrics(rt.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	return coord, nil
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the coordinator and its gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Coordinator.Listen = listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runCoordinator(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address (overrides coordinator.listen)")
	return cmd
}

func runCoordinator(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	rt, err := startRuntime(ctx, cfg, "swarm-coordinator")
	if err != nil {
		return err
	}
	coord, err := newCoordinator(cfg, rt, logger)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	srv := server.NewServer(coord)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Coordinator.Listen) }()

	logger.Info("Coordinator running", "listen", cfg.Coordinator.Listen)
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case err = <-serveErr:
		logger.Error("gRPC server stopped", "error", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(shCtx)
	if serr := coord.Stop(shCtx); serr != nil {
		logger.Error("Coordinator stop failed", "error", serr)
	}
	rt.close(shCtx)
	logger.Info("Coordinator stopped")
	return err
}

// ============================================================================
// node
// ============================================================================

func buildNodeCommand() *cobra.Command {
	var coordAddr string
	var workers int

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Start a node manager connected to a remote coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if coordAddr != "" {
				cfg.Node.Coordinator = coordAddr
			}
			if workers > 0 {
				cfg.Node.Workers = workers
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runNode(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address (overrides node.coordinator)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker count (overrides node.workers)")
	return cmd
}

func runNode(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if cfg.Node.Coordinator == "" {
		return fmt.Errorf("coordinator address is required in node mode")
	}
	rt, err := startRuntime(ctx, cfg, "swarm-node")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	conn, err := transport.Dial(cfg.Node.Coordinator)
	if err != nil {
		return err
	}
	defer conn.Close()

	exec := probe.New(cfg.Executor)
	node := worker.New(cfg.Node.Config, transport.NewClient(conn), exec, worker.WithMetrics(rt.metrics))
	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("Node running", "nodeID", node.ID(), "coordinator", cfg.Node.Coordinator, "executor", cfg.Executor.Kind)

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping node...")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Shutdown(shCtx); err != nil {
		return fmt.Errorf("node shutdown: %w", err)
	}
	stats := node.Stats()
	logger.Info("Node stopped", "nodeID", stats.ID, "executed", stats.Executed, "stolen", stats.Stolen, "reported", stats.Reported)
	return nil
}

// ============================================================================
// standalone
// ============================================================================

type standaloneOptions struct {
	nodes   int
	listen  bool
	jobFile string
	out     io.Writer
}

func buildStandaloneCommand() *cobra.Command {
	var opts standaloneOptions

	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Start a coordinator with local nodes in one process",
		Long: `Runs the coordinator and --nodes local node managers in-process.
With --job the job is submitted, the command waits for it to finish and prints the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			opts.out = cmd.OutOrStdout()
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runStandalone(ctx, cfg, logger, opts)
		},
	}
	cmd.Flags().IntVar(&opts.nodes, "nodes", 1, "Number of local node managers")
	cmd.Flags().BoolVar(&opts.listen, "listen", false, "Also serve gRPC on coordinator.listen for remote nodes")
	cmd.Flags().StringVarP(&opts.jobFile, "job", "j", "", "Job file to submit (YAML, any afs URL)")
	return cmd
}

func runStandalone(ctx context.Context, cfg *Config, logger *slog.Logger, opts standaloneOptions) error {
	rt, err := startRuntime(ctx, cfg, "swarm-standalone")
	if err != nil {
		return err
	}

	var (
		coord *coordinator.Coordinator
		srv   *server.Server
		nodes []*worker.NodeManager
	)
	// everything started so far is stopped on every return path
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, n := range nodes {
			if err := n.Shutdown(shCtx); err != nil {
				logger.Warn("Node shutdown failed", "nodeID", n.ID(), "error", err)
			}
		}
		if srv != nil {
			srv.Stop(shCtx)
		}
		if coord != nil {
			if err := coord.Stop(shCtx); err != nil {
				logger.Error("Coordinator stop failed", "error", err)
			}
		}
		rt.close(shCtx)
	}()

	c, err := newCoordinator(cfg, rt, logger)
	if err != nil {
		return err
	}
	coord = c
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	if opts.listen {
		srv = server.NewServer(coord)
		go func() {
			if err := srv.ListenAndServe(cfg.Coordinator.Listen); err != nil {
				logger.Error("gRPC server failed", "error", err)
			}
		}()
	}

	exec := probe.New(cfg.Executor)
	local := coordinator.NewLocal(coord)
	for i := 0; i < max(opts.nodes, 1); i++ {
		nodeCfg := cfg.Node.Config
		nodeCfg.ID = ""
		n := worker.New(nodeCfg, local, exec, worker.WithMetrics(rt.metrics))
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	logger.Info("Standalone swarm running", "nodes", len(nodes), "workers_per_node", cfg.Node.Workers)

	if opts.jobFile != "" {
		return submitAndWait(ctx, coord, opts.jobFile, opts.out)
	}
	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully...")
	return nil
}

// jobAPI is the part of the coordinator used by submit/wait, local or remote.
type jobAPI interface {
	SubmitJob(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	JobStatus(ctx context.Context, id types.JobID) (types.JobReport, error)
	Findings(ctx context.Context, id types.JobID) ([]types.Result, error)
}

var (
	_ jobAPI = (*coordinator.Coordinator)(nil)
	_ jobAPI = (*transport.Client)(nil)
)

func submitAndWait(ctx context.Context, api jobAPI, jobFile string, out io.Writer) error {
	spec, err := loadJob(ctx, afs.New(), jobFile)
	if err != nil {
		return err
	}
	id, err := api.SubmitJob(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	fmt.Fprintf(out, "Submitted job %s\n", id)
	return waitJob(ctx, api, id, out)
}

// waitJob polls until the job is terminal, then prints the report and findings.
func waitJob(ctx context.Context, api jobAPI, id types.JobID, out io.Writer) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		report, err := api.JobStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to query job %s: %w", id, err)
		}
		if report.Status.Terminal() {
			printReport(out, report)
			findings, err := api.Findings(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to fetch findings: %w", err)
			}
			printFindings(out, findings)
			return nil
		}
		select {
		case <-ctx.Done():
			printReport(out, report)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// elastic-fn / elastic-node
// ============================================================================

func buildElasticFnCommand() *cobra.Command {
	var addr string
	var parallelism int

	cmd := &cobra.Command{
		Use:   "elastic-fn",
		Short: "Serve the elastic function: POST a batch, get its results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			handler := elastic.NewHandler(probe.New(cfg.Executor), parallelism, cfg.Node.ItemTimeout)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shCtx)
			}()
			logger.Info("Elastic function listening", "addr", addr, "parallelism", parallelism)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("elastic function server failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "listen", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&parallelism, "parallelism", 16, "Items executed concurrently per invocation")
	return cmd
}

func buildElasticNodeCommand() *cobra.Command {
	var coordAddr, functionURL string

	cmd := &cobra.Command{
		Use:   "elastic-node",
		Short: "Register an elastic function as a node and drive it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if coordAddr != "" {
				cfg.Node.Coordinator = coordAddr
			}
			if functionURL != "" {
				cfg.Elastic.FunctionURL = functionURL
			}
			if cfg.Elastic.FunctionURL == "" {
				return fmt.Errorf("elastic.function_url is required")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			conn, err := transport.Dial(cfg.Node.Coordinator)
			if err != nil {
				return err
			}
			defer conn.Close()

			inv := elastic.NewHTTPInvoker(cfg.Elastic.FunctionURL, cfg.Elastic.InvokeTimeout)
			driver := elastic.NewDriver(cfg.Elastic, transport.NewClient(conn), inv)
			logger.Info("Elastic node starting", "function", cfg.Elastic.FunctionURL, "ceiling", cfg.Elastic.Ceiling)
			if err := driver.Run(ctx); err != nil {
				return err
			}
			stats := driver.Stats()
			logger.Info("Elastic node stopped", "invocations", stats.Invocations, "failures", stats.Failures, "reported", stats.Reported)
			return nil
		},
	}
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address (overrides node.coordinator)")
	cmd.Flags().StringVar(&functionURL, "function-url", "", "Function URL (overrides elastic.function_url)")
	return cmd
}

// ============================================================================
// Admin commands
// ============================================================================

// dialAdmin connects a client using --coordinator or node.coordinator.
func dialAdmin(cmd *cobra.Command, addr string) (*transport.Client, func(), error) {
	cfg, _, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	if addr == "" {
		addr = cfg.Node.Coordinator
	}
	conn, err := transport.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return transport.NewClient(conn), func() { _ = conn.Close() }, nil
}

func buildSubmitCommand() *cobra.Command {
	var jobFile, coordAddr string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job file to the coordinator",
		Long:  "Read a job definition (YAML, any afs URL) and submit it. payload_files are merged into payloads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := dialAdmin(cmd, coordAddr)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if wait {
				return submitAndWait(ctx, client, jobFile, cmd.OutOrStdout())
			}
			spec, err := loadJob(ctx, afs.New(), jobFile)
			if err != nil {
				return err
			}
			id, err := client.SubmitJob(ctx, spec)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%d items)\n", id, len(spec.InjectionPoints)*len(spec.Payloads))
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "Job file (YAML)")
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish and print its report")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var coordAddr string
	var findings bool

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long:  "Display the progress of one job, or of every job when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := dialAdmin(cmd, coordAddr)
			if err != nil {
				return err
			}
			defer closeFn()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				jobs, err := client.ListJobs(ctx)
				if err != nil {
					return err
				}
				printJobs(out, jobs)
				return nil
			}

			id := types.JobID(args[0])
			report, err := client.JobStatus(ctx, id)
			if err != nil {
				return err
			}
			printReport(out, report)
			if findings {
				results, err := client.Findings(ctx, id)
				if err != nil {
					return err
				}
				printFindings(out, results)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address")
	cmd.Flags().BoolVar(&findings, "findings", false, "Also print findings with evidence")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var coordAddr string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := dialAdmin(cmd, coordAddr)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := client.CancelJob(cmd.Context(), types.JobID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address")
	return cmd
}

func buildNodesCommand() *cobra.Command {
	var coordAddr string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := dialAdmin(cmd, coordAddr)
			if err != nil {
				return err
			}
			defer closeFn()
			nodes, err := client.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			printNodes(cmd.OutOrStdout(), nodes)
			return nil
		},
	}
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address")
	return cmd
}

func buildJournalCommand() *cobra.Command {
	var (
		stateDir string
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump or validate the coordinator write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateDir == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				stateDir = cfg.Coordinator.StateDir
			}
			if stateDir == "" {
				return errors.New("no state dir: set coordinator.state_dir or --state-dir")
			}
			return runJournal(cmd.OutOrStdout(), coordinator.JournalPath(stateDir), validate)
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Coordinator state directory (default: coordinator.state_dir)")
	cmd.Flags().BoolVar(&validate, "validate", false, "Only check checksums and sequence continuity")
	return cmd
}

func runJournal(out io.Writer, path string, validate bool) error {
	if validate {
		if err := wal.ValidateWAL(path); err != nil {
			return err
		}
		n, err := wal.CountEvents(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ %s: %d events, checksums and sequence OK\n", path, n)
		return nil
	}
	return wal.DumpWAL(path, out)
}
