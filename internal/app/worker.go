package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/connbridge/internal/connector"
	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/internal/heartbeat"
	"github.com/bft-labs/connbridge/internal/ports"
	"github.com/bft-labs/connbridge/internal/tracker"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// DefaultProgressEvery is how many records are read between progress logs.
const DefaultProgressEvery = 1000

// WorkerConfig contains configuration for a replication worker.
type WorkerConfig struct {
	// ProgressEvery is the number of records between progress logs.
	// Zero means DefaultProgressEvery.
	ProgressEvery int64

	// Heartbeat configures the watchdog around the source loop.
	Heartbeat heartbeat.ChaperoneConfig

	// Emitter receives lifecycle transitions. Optional.
	Emitter EventEmitter
}

// SyncInput is everything one replication attempt needs.
type SyncInput struct {
	ConnectionID string
	JobID        int64
	Attempt      int

	Source      connector.SourceConfig
	Destination connector.DestinationConfig
}

// ReplicationWorker moves messages from a source connector to a destination
// connector and reports what was emitted and committed. A worker runs once.
type ReplicationWorker struct {
	config      WorkerConfig
	source      connector.Source
	destination connector.Destination
	tracker     *tracker.MessageTracker
	monitor     *heartbeat.Monitor
	updater     ports.ConfigUpdater
	stateRepo   ports.StateRepository
	logger      log.Logger
	lifecycle   *Lifecycle

	cancelled atomic.Bool
	stopOnce  sync.Once
	input     SyncInput
}

// NewReplicationWorker creates a worker with the given dependencies.
// The monitor must be the one the source beats. updater and stateRepo may be
// nil.
func NewReplicationWorker(
	config WorkerConfig,
	source connector.Source,
	destination connector.Destination,
	tracker *tracker.MessageTracker,
	monitor *heartbeat.Monitor,
	updater ports.ConfigUpdater,
	stateRepo ports.StateRepository,
	logger log.Logger,
) *ReplicationWorker {
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = DefaultProgressEvery
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &ReplicationWorker{
		config:      config,
		source:      source,
		destination: destination,
		tracker:     tracker,
		monitor:     monitor,
		updater:     updater,
		stateRepo:   stateRepo,
		logger:      logger,
		lifecycle:   NewLifecycle(logger, config.Emitter),
	}
}

// State returns the lifecycle state of the worker.
func (w *ReplicationWorker) State() State {
	return w.lifecycle.State()
}

// connectorError attributes a failure to one connector.
type connectorError struct {
	origin domain.Origin
	err    error
}

func (e *connectorError) Error() string {
	return fmt.Sprintf("%s: %v", e.origin, e.err)
}

func (e *connectorError) Unwrap() error { return e.err }

func sourceErr(format string, err error) error {
	return &connectorError{origin: domain.OriginSource, err: fmt.Errorf(format+": %w", err)}
}

func destinationErr(format string, err error) error {
	return &connectorError{origin: domain.OriginDestination, err: fmt.Errorf(format+": %w", err)}
}

// Run executes one replication attempt in jobRoot. Replication failures are
// reported in the output status and failures; the returned error is only set
// when the worker could not run at all.
func (w *ReplicationWorker) Run(ctx context.Context, input SyncInput, jobRoot string) (*domain.ReplicationOutput, error) {
	if err := w.lifecycle.TransitionTo(StateStarting, "run requested"); err != nil {
		return nil, err
	}
	w.input = input
	w.logger = log.With(w.logger,
		log.String("connection_id", input.ConnectionID),
		log.Int64("job_id", input.JobID),
		log.Int("attempt", input.Attempt),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.lifecycle.SetCancel(cancel)
	stop := context.AfterFunc(ctx, w.cancelConnectors)
	defer stop()

	output := &domain.ReplicationOutput{
		ConnectionID: input.ConnectionID,
		RunID:        uuid.NewString(),
		JobID:        input.JobID,
		Attempt:      input.Attempt,
		StartedAt:    time.Now(),
	}

	runErr := w.start(ctx, input, jobRoot)
	if runErr == nil {
		if err := w.lifecycle.TransitionTo(StateRunning, "connectors started"); err == nil {
			runErr = w.replicate(ctx)
		}
	}
	w.closeConnectors()

	if w.lifecycle.State() == StateRunning {
		_ = w.lifecycle.TransitionTo(StateStopping, "replication finished")
	}
	w.summarize(ctx, output, runErr)

	final := StateCompleted
	switch output.Status {
	case domain.StatusFailed:
		final = StateFailed
	case domain.StatusCancelled:
		final = StateCancelled
	}
	_ = w.lifecycle.TransitionTo(final, string(output.Status))

	if w.stateRepo != nil {
		if err := w.stateRepo.Save(context.WithoutCancel(ctx), *output); err != nil {
			w.logger.Error("failed to save replication output", log.Err(err))
		}
	}
	return output, nil
}

// Cancel stops a running attempt. The attempt finishes with status CANCELLED.
func (w *ReplicationWorker) Cancel() {
	w.cancelled.Store(true)
	w.lifecycle.Cancel()
	w.cancelConnectors()
}

func (w *ReplicationWorker) start(ctx context.Context, input SyncInput, jobRoot string) error {
	if err := os.MkdirAll(jobRoot, 0o700); err != nil {
		return fmt.Errorf("create job root: %w", err)
	}
	if err := w.destination.Start(ctx, input.Destination, jobRoot); err != nil {
		return destinationErr("start destination", err)
	}
	if err := w.source.Start(ctx, input.Source, jobRoot); err != nil {
		return sourceErr("start source", err)
	}
	return nil
}

// replicate runs the destination reader and the source loop until both
// connectors are done. The first failure cancels both connectors.
func (w *ReplicationWorker) replicate(ctx context.Context) error {
	chaperone := heartbeat.NewChaperone(w.monitor, w.config.Heartbeat, w.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.readFromDestination(gctx)
		if err != nil {
			w.cancelConnectors()
		}
		return err
	})
	g.Go(func() error {
		err := chaperone.Run(gctx, w.readFromSource)
		if err != nil {
			w.cancelConnectors()
		}
		return err
	})
	return g.Wait()
}

func (w *ReplicationWorker) readFromSource(ctx context.Context) error {
	// The loop blocks reading the source's stdout or writing the
	// destination's stdin; killing both connectors unblocks either.
	stop := context.AfterFunc(ctx, w.cancelConnectors)
	defer stop()

	var records int64
	for !w.cancelled.Load() && !w.source.IsFinished() {
		msg, ok, err := w.source.AttemptRead()
		if err != nil {
			return sourceErr("read from source", err)
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		w.tracker.AcceptFromSource(msg)
		switch msg.Type {
		case protocol.TypeRecord:
			records++
			if records%w.config.ProgressEvery == 0 {
				w.logger.Info("records read", log.Int64("records", records))
			}
			if err := w.destination.Accept(msg); err != nil {
				return destinationErr("write to destination", err)
			}
		case protocol.TypeState:
			if err := w.destination.Accept(msg); err != nil {
				return destinationErr("write to destination", err)
			}
		case protocol.TypeControl:
			w.updateConfig(ctx, domain.OriginSource, msg.Control)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.cancelled.Load() {
		return context.Canceled
	}

	w.logger.Info("source finished", log.Int64("records", records))
	if err := w.source.Close(); err != nil {
		return sourceErr("close source", err)
	}
	if err := w.destination.NotifyEndOfInput(); err != nil {
		return destinationErr("end destination input", err)
	}
	return nil
}

func (w *ReplicationWorker) readFromDestination(ctx context.Context) error {
	for !w.cancelled.Load() && !w.destination.IsFinished() {
		msg, ok, err := w.destination.AttemptRead()
		if err != nil {
			return destinationErr("read from destination", err)
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		w.tracker.AcceptFromDestination(msg)
		if msg.Type == protocol.TypeState {
			w.logger.Debug("state committed by destination")
		}
		if msg.Type == protocol.TypeControl {
			w.updateConfig(ctx, domain.OriginDestination, msg.Control)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.cancelled.Load() {
		return context.Canceled
	}

	w.logger.Info("destination finished")
	if err := w.destination.Close(); err != nil {
		return destinationErr("close destination", err)
	}
	return nil
}

func (w *ReplicationWorker) updateConfig(ctx context.Context, origin domain.Origin, control *protocol.ControlMessage) {
	if control == nil || control.Type != protocol.ControlTypeConnectorConfig || control.ConnectorConfig == nil {
		return
	}
	if w.updater == nil {
		w.logger.Warn("connector config update ignored, no updater configured", log.String("origin", string(origin)))
		return
	}
	if err := w.updater.UpdateConfig(ctx, w.input.ConnectionID, origin, control.ConnectorConfig.Config); err != nil {
		w.logger.Error("failed to persist connector config update",
			log.String("origin", string(origin)),
			log.Err(err),
		)
		return
	}
	w.logger.Info("connector config updated", log.String("origin", string(origin)))
}

func (w *ReplicationWorker) cancelConnectors() {
	if err := w.destination.Cancel(); err != nil {
		w.logger.Warn("failed to cancel destination", log.Err(err))
	}
	if err := w.source.Cancel(); err != nil {
		w.logger.Warn("failed to cancel source", log.Err(err))
	}
}

// closeConnectors releases both connectors. Errors were already reported by
// the loops that own them.
func (w *ReplicationWorker) closeConnectors() {
	w.stopOnce.Do(func() {
		if err := w.source.Close(); err != nil {
			w.logger.Debug("source close", log.Err(err))
		}
		if err := w.destination.Close(); err != nil {
			w.logger.Debug("destination close", log.Err(err))
		}
	})
}

func (w *ReplicationWorker) summarize(ctx context.Context, output *domain.ReplicationOutput, runErr error) {
	output.EndedAt = time.Now()
	cancelled := w.cancelled.Load() || ctx.Err() != nil

	if f := w.tracker.ErrorTraceFailure(w.input.JobID, w.input.Attempt); f != nil {
		output.Failures = append(output.Failures, *f)
	}
	if runErr != nil && !(cancelled && errors.Is(runErr, context.Canceled)) {
		output.Failures = append(output.Failures, w.failureFor(runErr))
	}

	switch {
	case cancelled:
		output.Status = domain.StatusCancelled
	case runErr != nil || len(output.Failures) > 0:
		output.Status = domain.StatusFailed
	default:
		output.Status = domain.StatusCompleted
	}

	w.fillStats(output)
	if state, ok := w.tracker.SourceOutputState(); ok {
		output.SourceState = &state
	}
	if state, ok := w.tracker.DestinationOutputState(); ok {
		output.DestinationState = &state
	}

	fields := []log.Field{
		log.String("status", string(output.Status)),
		log.Int64("records_emitted", output.Totals.RecordsEmitted),
		log.Int64("bytes_emitted", output.Totals.BytesEmitted),
		log.Duration("elapsed", output.EndedAt.Sub(output.StartedAt)),
	}
	if output.Totals.RecordsCommitted != nil {
		fields = append(fields, log.Int64("records_committed", *output.Totals.RecordsCommitted))
	}
	if output.Status == domain.StatusFailed {
		fields = append(fields, log.Err(runErr))
		w.logger.Error("replication finished", fields...)
		return
	}
	w.logger.Info("replication finished", fields...)
}

func (w *ReplicationWorker) failureFor(err error) domain.FailureReason {
	jobID, attempt := w.input.JobID, w.input.Attempt

	var timeout *heartbeat.TimeoutError
	if errors.As(err, &timeout) {
		return domain.ErrorFailure(domain.OriginHeartbeat, "The source stopped sending heartbeats", err, jobID, attempt)
	}
	var ce *connectorError
	if errors.As(err, &ce) {
		return domain.ErrorFailure(ce.origin,
			fmt.Sprintf("Something went wrong within the %s connector", ce.origin), err, jobID, attempt)
	}
	return domain.ErrorFailure(domain.OriginReplication, "Something went wrong during replication", err, jobID, attempt)
}

func (w *ReplicationWorker) fillStats(output *domain.ReplicationOutput) {
	t := w.tracker
	metrics := t.StateMetrics()

	output.Totals = domain.SyncStats{
		RecordsEmitted:                  t.TotalRecordsEmitted(),
		BytesEmitted:                    t.TotalBytesEmitted(),
		EstimatedRecords:                t.TotalRecordsEstimated(),
		EstimatedBytes:                  t.TotalBytesEstimated(),
		SourceStateMessagesEmitted:      metrics.SourceStatesEmitted,
		DestinationStateMessagesEmitted: metrics.DestinationStatesEmitted,
		MaxSecondsBetweenSourceStates:   metrics.MaxSecondsBetweenSourceStates,
		MeanSecondsBetweenSourceStates:  metrics.MeanSecondsBetweenSourceStates,
	}
	if !metrics.Unreliable {
		maxSecs, mean := metrics.MaxSecondsEmittedToCommitted, metrics.MeanSecondsEmittedToCommitted
		output.Totals.MaxSecondsEmittedToCommitted = &maxSecs
		output.Totals.MeanSecondsEmittedToCommitted = &mean
	}

	emitted := t.StreamToEmittedRecords()
	var committed map[protocol.StreamDescriptor]int64
	if output.Status == domain.StatusCompleted {
		committed = emitted
		total := output.Totals.RecordsEmitted
		output.Totals.RecordsCommitted = &total
	} else if perStream, ok := t.StreamToCommittedRecords(); ok {
		committed = perStream
		if total, ok := t.TotalRecordsCommitted(); ok {
			output.Totals.RecordsCommitted = &total
		}
	}

	bytes := t.StreamToEmittedBytes()
	estRecords := t.StreamToEstimatedRecords()
	estBytes := t.StreamToEstimatedBytes()

	streams := make(map[protocol.StreamDescriptor]struct{})
	for _, m := range []map[protocol.StreamDescriptor]int64{emitted, estRecords} {
		for d := range m {
			streams[d] = struct{}{}
		}
	}
	descriptors := make([]protocol.StreamDescriptor, 0, len(streams))
	for d := range streams {
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Less(descriptors[j]) })

	output.Streams = make([]domain.StreamSyncStats, 0, len(descriptors))
	for _, d := range descriptors {
		stats := domain.SyncStats{
			RecordsEmitted:   emitted[d],
			BytesEmitted:     bytes[d],
			EstimatedRecords: estRecords[d],
			EstimatedBytes:   estBytes[d],
		}
		if committed != nil {
			n := committed[d]
			stats.RecordsCommitted = &n
		}
		output.Streams = append(output.Streams, domain.StreamSyncStats{Stream: d, Stats: stats})
	}
}
