// ============================================================================
// expctl CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree and wiring of the orchestrator's collaborators
//
// Command Structure:
//   expctl                              # Root command
//   ├── launch                          # Seed the queue, then drive it
//   │   ├── --kind/--label/--description/--options
//   │   ├── --definition-file, -f       # JSON or YAML batch file
//   │   └── --append                    # Add to an existing checkpoint
//   ├── monitor                         # Resume from the checkpoint
//   ├── status                          # Print the checkpointed queue
//   ├── history                         # Merged experiments (ledger)
//   ├── events                          # Lifecycle journal
//   └── probe                           # Health of a running instance
//
// Persistent flags override the config file (default: configs/expctl.yaml):
//   --checkpoint, --show-remote-output, --disable-relaunch,
//   --remove-target-dir-after-merge, --log-level
//
// launch and monitor run until the queue drains, a fatal error occurs, or
// SIGINT/SIGTERM arrives. --once runs a single tick. The tick in progress
// always finishes, so the checkpoint is consistent on exit.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/expctl/internal/checkpoint"
	"github.com/ChuLiYu/expctl/internal/cluster"
	"github.com/ChuLiYu/expctl/internal/definition"
	"github.com/ChuLiYu/expctl/internal/metrics"
	"github.com/ChuLiYu/expctl/internal/orchestrator"
	"github.com/ChuLiYu/expctl/internal/server"
	"github.com/ChuLiYu/expctl/internal/storage/journal"
	"github.com/ChuLiYu/expctl/internal/storage/ledger"
	"github.com/ChuLiYu/expctl/internal/transport"
	"github.com/ChuLiYu/expctl/pkg/types"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configFile                string
	checkpointPath            string
	logLevel                  string
	showRemoteOutput          bool
	disableRelaunch           bool
	removeTargetDirAfterMerge bool
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "expctl",
		Short: "expctl: resumable SLURM experiment orchestrator",
		Long: `expctl drives a queue of experiments on a remote SLURM cluster:
- launches each experiment over SSH and records its batch and job ids
- polls job status and relaunches failed jobs
- merges results once every job has completed
- checkpoints after every step so it can resume after a restart`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "configs/expctl.yaml", "config file path")
	pf.StringVar(&opts.checkpointPath, "checkpoint", "", "checkpoint file (overrides checkpoint.path)")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	pf.BoolVar(&opts.showRemoteOutput, "show-remote-output", false, "log remote command output at info level")
	pf.BoolVar(&opts.disableRelaunch, "disable-relaunch", false, "leave failed jobs failed instead of relaunching them")
	pf.BoolVar(&opts.removeTargetDirAfterMerge, "remove-target-dir-after-merge", false, "delete the remote batch directory after a successful merge")

	rootCmd.AddCommand(buildLaunchCommand(opts))
	rootCmd.AddCommand(buildMonitorCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildEventsCommand(opts))
	rootCmd.AddCommand(buildProbeCommand(opts))

	return rootCmd
}

// load reads the config file, applies flag overrides, validates the result
// and installs the logger.
func (o *rootOptions) load(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", o.configFile, err)
	}
	if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply copies explicitly set flags over the file values.
func (o *rootOptions) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path = o.checkpointPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("show-remote-output") {
		cfg.Orchestrator.ShowRemoteOutput = o.showRemoteOutput
	}
	if flags.Changed("disable-relaunch") {
		cfg.Orchestrator.DisableRelaunch = o.disableRelaunch
	}
	if flags.Changed("remove-target-dir-after-merge") {
		cfg.Orchestrator.RemoveTargetDirAfterMerge = o.removeTargetDirAfterMerge
	}
}

// ============================================================================
// launch / monitor
// ============================================================================

func buildLaunchCommand(opts *rootOptions) *cobra.Command {
	var (
		kind, label, description, options string
		definitionFile                    string
		appendToQueue                     bool
		once                              bool
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Queue experiments and drive them to completion",
		Long: `Queue one experiment (--kind/--label/--description/--options) or every
experiment of a definition file, write the checkpoint, then launch and monitor
them in order. Refuses to overwrite an existing checkpoint unless --append is
given; use "monitor" to resume.`,
		Example: `  expctl launch --kind intrinsics --label calib-v2 --options "USE_GPU=ON DEBUG=OFF"
  expctl launch -f experiments.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			experiments, err := readExperiments(definitionFile, kind, label, description, options)
			if err != nil {
				return err
			}

			store := checkpoint.NewStore(cfg.Checkpoint.Path, cfg.Checkpoint.KeepBackups)
			queue, err := seedQueue(store, experiments, appendToQueue)
			if err != nil {
				return err
			}

			j := openJournal(cfg)
			if j != nil {
				defer j.Close()
				for _, e := range experiments {
					if err := j.Append(journal.Event{Type: journal.EventSeed, Experiment: e.Label, Detail: string(e.Kind)}); err != nil {
						slog.Warn("Failed to append journal event", "type", journal.EventSeed, "error", err)
					}
				}
			}

			slog.Info("Experiments queued",
				"added", len(experiments),
				"queue_length", queue.Len(),
				"checkpoint", store.Path())

			return drive(cmd.Context(), cfg, queue, store, j, once)
		},
	}

	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "experiment kind: "+kindList())
	f.StringVar(&label, "label", "", "experiment label")
	f.StringVar(&description, "description", "", "experiment description")
	f.StringVar(&options, "options", "", `build options, e.g. "USE_GPU=ON DEBUG=OFF"`)
	f.StringVarP(&definitionFile, "definition-file", "f", "", "JSON or YAML file listing experiments")
	f.BoolVar(&appendToQueue, "append", false, "append to the queue of an existing checkpoint")
	f.BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.MarkFlagsMutuallyExclusive("definition-file", "kind")
	cmd.MarkFlagsMutuallyExclusive("definition-file", "label")

	return cmd
}

func buildMonitorCommand(opts *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Resume the queue from the checkpoint",
		Long:  "Load the checkpoint and keep monitoring, relaunching and merging until the queue is empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store := checkpoint.NewStore(cfg.Checkpoint.Path, cfg.Checkpoint.KeepBackups)
			queue, err := store.Load()
			if err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					return fmt.Errorf("nothing to monitor: %w (use \"expctl launch\" first)", err)
				}
				return err
			}
			slog.Info("Checkpoint loaded", "path", store.Path(), "queue_length", queue.Len())

			j := openJournal(cfg)
			if j != nil {
				defer j.Close()
			}
			return drive(cmd.Context(), cfg, queue, store, j, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func readExperiments(definitionFile, kind, label, description, options string) ([]*types.Experiment, error) {
	if definitionFile != "" {
		return definition.LoadFile(definitionFile)
	}
	if kind == "" {
		return nil, errors.New("either --definition-file or --kind and --label are required")
	}
	e, err := definition.FromFields(kind, label, description, options)
	if err != nil {
		return nil, err
	}
	return []*types.Experiment{e}, nil
}

// seedQueue builds the initial queue and checkpoints it before any remote
// work happens.
func seedQueue(store *checkpoint.Store, experiments []*types.Experiment, appendToQueue bool) (*types.Queue, error) {
	queue := &types.Queue{}
	if store.Exists() {
		if !appendToQueue {
			return nil, fmt.Errorf("checkpoint %s already exists; resume with \"expctl monitor\" or pass --append", store.Path())
		}
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		queue = loaded
	}

	queue.Append(experiments...)
	if err := store.Save(queue); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return queue, nil
}

func openJournal(cfg *Config) *journal.Journal {
	if cfg.Journal.Path == "" {
		return nil
	}
	j, err := journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend)
	if err != nil {
		slog.Warn("Journal disabled", "path", cfg.Journal.Path, "error", err)
		return nil
	}
	return j
}

// drive wires the orchestrator and runs it until it is done.
func drive(parent context.Context, cfg *Config, queue *types.Queue, store *checkpoint.Store, j *journal.Journal, once bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var orchOpts []orchestrator.Option
	if j != nil {
		orchOpts = append(orchOpts, orchestrator.WithJournal(j))
	}

	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			slog.Warn("History ledger disabled", "path", cfg.Ledger.Path, "error", err)
		} else {
			defer l.Close()
			orchOpts = append(orchOpts, orchestrator.WithArchive(l))
		}
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil)
		collector.UpdateQueue(queue)
		orchOpts = append(orchOpts, orchestrator.WithMetrics(collector))

		srv := metrics.NewServer(cfg.Metrics.Port, nil)
		go func() {
			slog.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Health.Enabled {
		health := server.NewServer()
		go func() {
			if err := health.ListenAndServe(cfg.Health.Port); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
		defer health.Stop()
		orchOpts = append(orchOpts, orchestrator.WithTickObserver(func(err error) {
			health.SetServing(err == nil)
		}))
	}

	dialer := transport.NewSSHDialer(transport.SSHConfig{
		Host:                  cfg.Remote.Host,
		SSHConfigPath:         cfg.Remote.SSHConfig,
		KnownHostsPath:        cfg.Remote.KnownHosts,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.Remote.ConnectTimeout,
	})
	clusterCfg := cluster.Config{
		BaseDir:                   cfg.Remote.BaseDir,
		ShowRemoteOutput:          cfg.Orchestrator.ShowRemoteOutput,
		RemoveTargetDirAfterMerge: cfg.Orchestrator.RemoveTargetDirAfterMerge,
	}
	newCluster := func(s transport.Session) orchestrator.Cluster {
		return cluster.NewClient(s, clusterCfg)
	}

	orch := orchestrator.New(
		orchestrator.Config{DisableRelaunch: cfg.Orchestrator.DisableRelaunch},
		queue, dialer, newCluster, store, orchOpts...)

	slog.Info("Orchestrator started",
		"host", cfg.Remote.Host,
		"base_dir", cfg.Remote.BaseDir,
		"poll_interval", cfg.Orchestrator.PollInterval,
		"disable_relaunch", cfg.Orchestrator.DisableRelaunch)

	if once {
		return orch.Tick(ctx)
	}
	return orch.Run(ctx, cfg.Orchestrator.PollInterval)
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query the health endpoint of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(opts.configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = fmt.Sprintf("localhost:%d", cfg.Health.Port)
			}

			status, err := server.Probe(cmd.Context(), addr, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", addr, status)
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("orchestrator at %s is %s", addr, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "health endpoint (default localhost:<health.port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

func kindList() string {
	kinds := types.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
