package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/streamforge/pkg/archive"
	"github.com/cuemby/streamforge/pkg/config"
	"github.com/cuemby/streamforge/pkg/coordinator"
	"github.com/cuemby/streamforge/pkg/election"
	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/libcache"
	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/scheduler"
	"github.com/cuemby/streamforge/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeError lets RunE distinguish a runtime failure (exit 2) from a
// startup failure (exit 1), per spec.md §6.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ece, ok := err.(*exitCodeError); ok {
		return ece.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:     "jobmanager",
	Short:   "Job Manager - the active coordinator of a stream/batch execution cluster",
	Version: Version,
	RunE:    runJobManager,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jobmanager version %s\ncommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config-dir", "", "directory containing config.yaml (required)")
	rootCmd.Flags().String("execution-mode", "", "CLUSTER or LOCAL (required)")
	rootCmd.Flags().String("streaming-mode", "STREAMING", "STREAMING or BATCH")
	rootCmd.Flags().String("host", "0.0.0.0", "address the job manager advertises to workers and clients")
	rootCmd.Flags().Int("webui-port", 8081, "port the metrics endpoint is served on")
	rootCmd.MarkFlagRequired("config-dir")
	rootCmd.MarkFlagRequired("execution-mode")

	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.InfoLevel})
	})
}

func runJobManager(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	executionMode, _ := cmd.Flags().GetString("execution-mode")
	streamingMode, _ := cmd.Flags().GetString("streaming-mode")
	host, _ := cmd.Flags().GetString("host")
	webUIPort, _ := cmd.Flags().GetInt("webui-port")

	if executionMode != "CLUSTER" && executionMode != "LOCAL" {
		return &exitCodeError{code: 1, err: fmt.Errorf("--execution-mode must be CLUSTER or LOCAL, got %q", executionMode)}
	}
	if streamingMode != "STREAMING" && streamingMode != "BATCH" {
		return &exitCodeError{code: 1, err: fmt.Errorf("--streaming-mode must be STREAMING or BATCH, got %q", streamingMode)}
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("failed to load configuration: %w", err)}
	}
	if cfg.HighAvailabilityEnabled && executionMode != "CLUSTER" {
		return &exitCodeError{code: 1, err: fmt.Errorf("high_availability_enabled requires --execution-mode=CLUSTER")}
	}

	logger := log.WithComponent("main")
	logger.Info().
		Str("execution_mode", executionMode).
		Str("streaming_mode", streamingMode).
		Str("host", host).
		Msg("starting job manager")

	broker := events.NewBroker()
	broker.Start()

	var coord *coordinator.Coordinator
	instanceMgr := instance.NewManager(cfg.WorkerHeartbeatPause, func(inst *instance.Instance) {
		coord.Send(coordinator.WorkerTerminatedMsg{SessionID: coord.CurrentSessionID(), InstanceID: inst.ID})
	})
	sched := scheduler.NewScheduler()
	instanceMgr.AddListener(sched)

	fetcher := libcache.NewFSFetcher(filepath.Join(configDir, "artifacts"))
	libCache := libcache.NewManager(fetcher)

	arch := archive.New(cfg.WebArchiveCount)

	nodeID := cfg.ElectionNodeID
	if nodeID == "" {
		nodeID = host
	}
	electionClient, err := election.New(election.Config{
		NodeID:    nodeID,
		BindAddr:  cfg.ElectionBindAddr,
		DataDir:   cfg.ElectionDataDir,
		Bootstrap: true,
	})
	if err != nil {
		return &exitCodeError{code: 1, err: fmt.Errorf("failed to start leader election client: %w", err)}
	}

	gateway := transport.NewLoggingGateway()

	coord = coordinator.New(coordinator.Options{
		Config:      cfg,
		InstanceMgr: instanceMgr,
		Scheduler:   sched,
		LibCache:    libCache,
		Archive:     arch,
		Election:    electionClient,
		Gateway:     gateway,
		Broker:      broker,
	})
	sched.SetExecutionFailer(coord)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	webUIAddr := fmt.Sprintf(":%d", webUIPort)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(webUIAddr, mux); err != nil {
			httpErrCh <- fmt.Errorf("webui server error: %w", err)
		}
	}()
	logger.Info().Str("addr", webUIAddr).Msg("metrics endpoint listening")

	go coord.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("webui server failed")
		coord.Stop()
		return &exitCodeError{code: 2, err: err}
	}

	coord.Stop()
	broker.Stop()
	logger.Info().Msg("job manager stopped")
	return nil
}
