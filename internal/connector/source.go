package connector

import (
	"context"
	"encoding/json"

	"github.com/bft-labs/connbridge/internal/heartbeat"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

const (
	SourceConfigFile  = "source_config.json"
	SourceCatalogFile = "source_catalog.json"
	InputStateFile    = "input_state.json"
)

// SourceMessageTypes are the message types forwarded from a source.
var SourceMessageTypes = protocol.NewTypeSet(
	protocol.TypeRecord, protocol.TypeState, protocol.TypeTrace, protocol.TypeControl,
)

// SourceConfig is the input of a source run.
type SourceConfig struct {
	Config  json.RawMessage
	Catalog protocol.ConfiguredCatalog
	// State is the state to resume from. Null or empty starts from scratch.
	State json.RawMessage

	// ResetStreams and ResetStateType drive EmptySource. They are ignored
	// by DefaultSource.
	ResetStreams   []protocol.StreamDescriptor
	ResetStateType protocol.StateType
}

// Source reads messages from a source connector.
type Source interface {
	Start(ctx context.Context, cfg SourceConfig, workdir string) error
	IsFinished() bool
	AttemptRead() (protocol.Message, bool, error)
	ExitValue() (int, error)
	Close() error
	Cancel() error
}

// DefaultSource runs a source connector process.
type DefaultSource struct {
	*handle
	heartbeat *heartbeat.Monitor
}

// NewDefaultSource creates a source. Every message read beats monitor.
func NewDefaultSource(launcher Launcher, monitor *heartbeat.Monitor, cfg HandleConfig, logger log.Logger) *DefaultSource {
	return &DefaultSource{
		handle:    newHandle("source", colorBlueBackground, launcher, cfg, logger),
		heartbeat: monitor,
	}
}

// Start writes the source inputs into workdir and launches
// "read --config <f> --catalog <f> [--state <f>]".
func (s *DefaultSource) Start(ctx context.Context, cfg SourceConfig, workdir string) error {
	return s.start(ctx, workdir, SourceMessageTypes, func() ([]string, error) {
		configPath, err := writeJSONFile(workdir, SourceConfigFile, cfg.Config)
		if err != nil {
			return nil, err
		}
		catalogPath, err := writeJSONFile(workdir, SourceCatalogFile, cfg.Catalog)
		if err != nil {
			return nil, err
		}
		args := []string{"read", "--config", configPath, "--catalog", catalogPath}

		if !protocol.IsNullJSON(cfg.State) {
			statePath, err := writeJSONFile(workdir, InputStateFile, cfg.State)
			if err != nil {
				return nil, err
			}
			args = append(args, "--state", statePath)
		}
		return args, nil
	})
}

// IsFinished reports that all output was read and the process exited.
func (s *DefaultSource) IsFinished() bool { return s.isFinished() }

// AttemptRead returns the next message, if any.
func (s *DefaultSource) AttemptRead() (protocol.Message, bool, error) {
	msg, ok, err := s.attemptRead()
	if ok && s.heartbeat != nil {
		s.heartbeat.Beat()
	}
	return msg, ok, err
}

// ExitValue returns the exit code once the process exited.
func (s *DefaultSource) ExitValue() (int, error) { return s.exitValue() }

// Close waits for the source to exit and reports unexpected exit codes.
func (s *DefaultSource) Close() error { return s.close() }

// Cancel kills the source.
func (s *DefaultSource) Cancel() error { return s.cancel() }
