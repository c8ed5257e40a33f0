package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bft-labs/connbridge/internal/adapters/boltdb"
	"github.com/bft-labs/connbridge/internal/adapters/fs"
	"github.com/bft-labs/connbridge/internal/app"
	"github.com/bft-labs/connbridge/internal/cliconfig"
	"github.com/bft-labs/connbridge/internal/connector"
	"github.com/bft-labs/connbridge/internal/decoder"
	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/internal/heartbeat"
	"github.com/bft-labs/connbridge/internal/ports"
	"github.com/bft-labs/connbridge/internal/tracker"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// errSyncNotCompleted makes the process exit non-zero after a failed or
// cancelled sync.
var errSyncNotCompleted = errors.New("sync did not complete")

func newReplicateCmd() *cobra.Command {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string
	var resetStreams []string

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Run one replication attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("reset-streams") {
				cfg.ResetStreams = resetStreams
			}
			cfgFile, changed, err := loadConfig(cmd, &cfg, cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runReplicate(cmd.Context(), cfg, cfgFile, changed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.connbridge/config.toml)")
	f.StringVar(&cfg.ConnectionID, "connection-id", cfg.ConnectionID, "connection the sync belongs to")
	f.Int64Var(&cfg.JobID, "job-id", cfg.JobID, "job id recorded in failures and outputs")
	f.IntVar(&cfg.Attempt, "attempt", cfg.Attempt, "attempt number within the job")

	f.StringVar(&cfg.SourceCommand, "source", cfg.SourceCommand, "source connector command")
	f.StringVar(&cfg.DestinationCommand, "destination", cfg.DestinationCommand, "destination connector command")
	f.StringVar(&cfg.SourceConfig, "source-config", cfg.SourceConfig, "source config JSON file")
	f.StringVar(&cfg.SourceCatalog, "source-catalog", cfg.SourceCatalog, "source configured catalog JSON file")
	f.StringVar(&cfg.SourceState, "source-state", cfg.SourceState, "state JSON file to resume from (default: last committed state)")
	f.StringVar(&cfg.DestinationConfig, "destination-config", cfg.DestinationConfig, "destination config JSON file")
	f.StringVar(&cfg.DestinationCatalog, "destination-catalog", cfg.DestinationCatalog, "destination configured catalog JSON file")

	f.BoolVar(&cfg.Reset, "reset", cfg.Reset, "clear the state of the reset streams instead of reading the source")
	f.StringSliceVar(&resetStreams, "reset-streams", nil, "streams to reset as [namespace.]name (default: all)")
	f.StringVar(&cfg.ResetStateType, "reset-state-type", cfg.ResetStateType, "state type of the reset: LEGACY, STREAM or GLOBAL")

	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for sync outputs (default: $HOME/.connbridge/state)")
	f.StringVar(&cfg.StateStore, "state-store", cfg.StateStore, "output store: file or bolt")
	f.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "root of job working directories (default: <state-dir>/jobs)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	f.DurationVar(&cfg.HeartbeatThreshold, "heartbeat-threshold", cfg.HeartbeatThreshold, "maximum silence from the source")
	f.DurationVar(&cfg.HeartbeatPollInterval, "heartbeat-poll", cfg.HeartbeatPollInterval, "heartbeat check interval")
	f.DurationVar(&cfg.GracefulShutdown, "graceful-shutdown", cfg.GracefulShutdown, "wait for a connector to exit before SIGTERM")
	f.DurationVar(&cfg.ForceShutdown, "force-shutdown", cfg.ForceShutdown, "wait after SIGTERM before SIGKILL")
	f.IntVar(&cfg.MaxLineBytes, "max-line-bytes", cfg.MaxLineBytes, "longest accepted connector output line")
	f.BoolVar(&cfg.DetectVersion, "detect-version", cfg.DetectVersion, "detect the protocol version from the connector SPEC")

	f.BoolVar(&cfg.FailOnHeartbeatLoss, "fail-on-heartbeat-loss", cfg.FailOnHeartbeatLoss, "fail the sync when the source stops sending")
	f.BoolVar(&cfg.LogConnectorMessages, "log-connector-messages", cfg.LogConnectorMessages, "log every connector message (debug)")
	return cmd
}

func runReplicate(ctx context.Context, cfg cliconfig.Config, cfgFile string, changed map[string]bool) error {
	logger := newLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	input, err := buildSyncInput(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}

	flags := cliconfig.NewRuntimeFlags(cfg, changed)
	if cfgFile != "" {
		if err := flags.Watch(ctx, cfgFile, logger); err != nil {
			logger.Warn("runtime flags will not be reloaded", log.String("path", cfgFile), log.Err(err))
		}
	}

	monitor := heartbeat.NewMonitor(cfg.HeartbeatThreshold, nil)
	handleCfg := connector.HandleConfig{
		GracefulShutdown: cfg.GracefulShutdown,
		ForceShutdown:    cfg.ForceShutdown,
		Decoder: decoder.Options{
			DetectVersion: cfg.DetectVersion,
			MaxLineBytes:  cfg.MaxLineBytes,
		},
	}

	var source connector.Source
	if cfg.Reset {
		source = connector.NewEmptySource()
	} else {
		source = connector.NewDefaultSource(connector.ExecLauncher{Command: cfg.SourceArgs()}, monitor, handleCfg, logger)
	}
	destination := connector.NewDefaultDestination(connector.ExecLauncher{Command: cfg.DestinationArgs()}, handleCfg, logger)

	trackerCfg := tracker.DefaultConfig()
	trackerCfg.LogConnectorMessages = flags.LogConnectorMessages

	worker := app.NewReplicationWorker(
		app.WorkerConfig{
			Heartbeat: heartbeat.ChaperoneConfig{
				PollInterval:        cfg.HeartbeatPollInterval,
				FailOnHeartbeatLoss: flags,
			},
		},
		source,
		destination,
		tracker.New(trackerCfg, logger),
		monitor,
		fs.NewConfigFileUpdater(cfg.SourceConfig, cfg.DestinationConfig, logger),
		repo,
		logger,
	)

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received signal, cancelling sync")
			worker.Cancel()
		case <-ctx.Done():
		}
	}()

	output, err := worker.Run(ctx, input, cfg.JobRoot())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return err
	}
	if output.Status != domain.StatusCompleted {
		return fmt.Errorf("%w: %s", errSyncNotCompleted, output.Status)
	}
	return nil
}

func openRepository(ctx context.Context, cfg cliconfig.Config) (ports.StateRepository, func(), error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, nil, err
	}
	if cfg.StateStore == cliconfig.StoreBolt {
		store, err := boltdb.New(ctx, boltPath(cfg))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return fs.NewStateFileRepository(cfg.StateDir), func() {}, nil
}

func buildSyncInput(ctx context.Context, cfg cliconfig.Config, repo ports.StateRepository, logger log.Logger) (app.SyncInput, error) {
	input := app.SyncInput{
		ConnectionID: cfg.ConnectionID,
		JobID:        cfg.JobID,
		Attempt:      cfg.Attempt,
	}

	var err error
	if !cfg.Reset {
		if input.Source.Config, err = readJSON(cfg.SourceConfig); err != nil {
			return input, err
		}
	}
	if err := readInto(cfg.SourceCatalog, &input.Source.Catalog); err != nil {
		return input, err
	}
	if input.Destination.Config, err = readJSON(cfg.DestinationConfig); err != nil {
		return input, err
	}
	if err := readInto(cfg.DestinationCatalog, &input.Destination.Catalog); err != nil {
		return input, err
	}

	for _, s := range cfg.ResetStreams {
		input.Source.ResetStreams = append(input.Source.ResetStreams, protocol.ParseStreamDescriptor(s))
	}
	input.Source.ResetStateType = protocol.StateType(cfg.ResetStateType)

	switch {
	case cfg.Reset:
	case cfg.SourceState != "":
		if input.Source.State, err = readJSON(cfg.SourceState); err != nil {
			return input, err
		}
	default:
		previous, ok, err := repo.Load(ctx, cfg.ConnectionID)
		if err != nil {
			return input, fmt.Errorf("load previous output: %w", err)
		}
		if ok && previous.DestinationState != nil {
			if input.Source.State, err = previous.DestinationState.InputState(); err != nil {
				return input, err
			}
			logger.Info("resuming from last committed state",
				log.String("run_id", previous.RunID),
				log.String("state_type", string(previous.DestinationState.Type)))
		}
	}
	return input, nil
}

func readJSON(path string) (json.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: %w: not valid JSON", path, domain.ErrInvalidConfig)
	}
	return json.RawMessage(b), nil
}

func readInto(path string, v interface{}) error {
	b, err := readJSON(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
