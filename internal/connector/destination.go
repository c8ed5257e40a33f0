package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

const (
	DestinationConfigFile  = "destination_config.json"
	DestinationCatalogFile = "destination_catalog.json"
)

// DestinationMessageTypes are the message types forwarded from a destination.
var DestinationMessageTypes = protocol.NewTypeSet(
	protocol.TypeState, protocol.TypeTrace, protocol.TypeControl,
)

// DestinationConfig is the input of a destination run.
type DestinationConfig struct {
	Config  json.RawMessage
	Catalog protocol.ConfiguredCatalog
}

// Destination writes messages to a destination connector and reads back
// its acknowledgements.
type Destination interface {
	Start(ctx context.Context, cfg DestinationConfig, workdir string) error
	Accept(msg protocol.Message) error
	NotifyEndOfInput() error
	IsFinished() bool
	AttemptRead() (protocol.Message, bool, error)
	ExitValue() (int, error)
	Close() error
	Cancel() error
}

// DefaultDestination runs a destination connector process.
type DefaultDestination struct {
	*handle

	inMu     sync.Mutex
	writer   *bufio.Writer
	inClosed bool
}

// NewDefaultDestination creates a destination.
func NewDefaultDestination(launcher Launcher, cfg HandleConfig, logger log.Logger) *DefaultDestination {
	return &DefaultDestination{
		handle: newHandle("destination", colorYellowBackground, launcher, cfg, logger),
	}
}

// Start writes the destination inputs into workdir and launches
// "write --config <f> --catalog <f>".
func (d *DefaultDestination) Start(ctx context.Context, cfg DestinationConfig, workdir string) error {
	err := d.start(ctx, workdir, DestinationMessageTypes, func() ([]string, error) {
		configPath, err := writeJSONFile(workdir, DestinationConfigFile, cfg.Config)
		if err != nil {
			return nil, err
		}
		catalogPath, err := writeJSONFile(workdir, DestinationCatalogFile, cfg.Catalog)
		if err != nil {
			return nil, err
		}
		return []string{"write", "--config", configPath, "--catalog", catalogPath}, nil
	})
	if err != nil {
		return err
	}

	proc, _, _ := d.process()
	d.inMu.Lock()
	d.writer = bufio.NewWriter(proc.Stdin())
	d.inMu.Unlock()
	return nil
}

// Accept writes msg as one line to the destination's stdin.
func (d *DefaultDestination) Accept(msg protocol.Message) error {
	d.inMu.Lock()
	defer d.inMu.Unlock()

	if d.writer == nil {
		return domain.ErrNotStarted
	}
	if d.inClosed {
		return domain.ErrInputClosed
	}
	line, err := msg.MarshalLine()
	if err != nil {
		return errors.Wrap(err, "encode message for destination")
	}
	if _, err := d.writer.Write(line); err != nil {
		return errors.Wrap(err, "write to destination")
	}
	return nil
}

// NotifyEndOfInput flushes and closes stdin. It can only be called once.
func (d *DefaultDestination) NotifyEndOfInput() error {
	d.inMu.Lock()
	defer d.inMu.Unlock()

	if d.writer == nil {
		return domain.ErrNotStarted
	}
	if d.inClosed {
		return domain.ErrInputClosed
	}
	d.inClosed = true

	proc, _, err := d.process()
	if err != nil {
		return err
	}
	flushErr := d.writer.Flush()
	closeErr := proc.Stdin().Close()
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush destination input")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "close destination input")
	}
	return nil
}

// IsFinished reports that all output was read and the process exited.
func (d *DefaultDestination) IsFinished() bool { return d.isFinished() }

// AttemptRead returns the next message, if any.
func (d *DefaultDestination) AttemptRead() (protocol.Message, bool, error) { return d.attemptRead() }

// ExitValue returns the exit code once the process exited.
func (d *DefaultDestination) ExitValue() (int, error) { return d.exitValue() }

// Close ends the input if needed, then waits for the destination to exit.
func (d *DefaultDestination) Close() error {
	d.inMu.Lock()
	pending := d.writer != nil && !d.inClosed
	d.inMu.Unlock()
	if pending {
		if err := d.NotifyEndOfInput(); err != nil && !d.cancelled.Load() {
			d.logger.Warn("failed to end destination input", log.Err(err))
		}
	}
	return d.close()
}

// Cancel kills the destination.
func (d *DefaultDestination) Cancel() error { return d.cancel() }
