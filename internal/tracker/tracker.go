// Package tracker keeps the bookkeeping of a sync: emitted and committed
// record counts per stream, checkpoints, connector errors and estimates.
package tracker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/internal/stateagg"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// Config tunes a MessageTracker.
type Config struct {
	// DeltaMemoryLimitBytes bounds the checkpoint ledger.
	DeltaMemoryLimitBytes int64

	// MetricsMessageLimit bounds pending states kept for timing metrics.
	MetricsMessageLimit int

	// LogConnectorMessages, when set and returning true, logs every
	// accepted message as JSON. It is checked per message so the setting
	// can change during a sync.
	LogConnectorMessages func() bool

	// Clock is used for timing metrics. Nil uses time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		DeltaMemoryLimitBytes: DefaultDeltaMemoryLimitBytes,
		MetricsMessageLimit:   DefaultMetricsMessageLimit,
	}
}

type estimateMode int

const (
	estimateNone estimateMode = iota
	estimateStream
	estimateSync
)

type streamStats struct {
	emittedRecords   int64
	emittedBytes     int64
	estimatedRecords int64
	estimatedBytes   int64
}

// MessageTracker consumes every message exchanged during a sync. Accept
// calls are expected from one goroutine per origin; queries may run
// concurrently and return copies.
type MessageTracker struct {
	cfg    Config
	logger log.Logger

	mu         sync.RWMutex
	streams    *streamTable
	running    map[uint16]int64
	stats      map[protocol.StreamDescriptor]*streamStats
	delta      *DeltaTracker
	metrics    *StateMetricsTracker
	aggregator *stateagg.Aggregator

	unreliableCommitted bool
	estimates           estimateMode
	syncRecordsEstimate int64
	syncBytesEstimate   int64

	sourceErrors      []*protocol.TraceMessage
	destinationErrors []*protocol.TraceMessage
	sourceControls    int64
	destControls      int64

	sourceOutput      *protocol.StateMessage
	destinationOutput *protocol.AggregatedState
}

// New returns a tracker for one sync.
func New(cfg Config, logger log.Logger) *MessageTracker {
	if cfg.DeltaMemoryLimitBytes <= 0 {
		cfg.DeltaMemoryLimitBytes = DefaultDeltaMemoryLimitBytes
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &MessageTracker{
		cfg:        cfg,
		logger:     logger,
		streams:    newStreamTable(),
		running:    make(map[uint16]int64),
		stats:      make(map[protocol.StreamDescriptor]*streamStats),
		delta:      NewDeltaTracker(cfg.DeltaMemoryLimitBytes),
		metrics:    NewStateMetricsTracker(cfg.MetricsMessageLimit, cfg.Clock),
		aggregator: stateagg.New(),
	}
}

// AcceptFromSource records a message read from the source.
func (t *MessageTracker) AcceptFromSource(msg protocol.Message) {
	t.logMessage("source", msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case msg.Type == protocol.TypeRecord && msg.Record != nil:
		t.sourceRecord(msg.Record)
	case msg.Type == protocol.TypeState && msg.State != nil:
		t.sourceState(msg.State)
	case msg.Type == protocol.TypeTrace && msg.Trace != nil:
		t.trace(msg.Trace, domain.OriginSource)
	case msg.Type == protocol.TypeControl && msg.Control != nil:
		t.control(msg.Control, domain.OriginSource)
	default:
		t.logger.Warn("ignoring unexpected source message", log.String("type", string(msg.Type)))
	}
}

// AcceptFromDestination records a message read from the destination.
func (t *MessageTracker) AcceptFromDestination(msg protocol.Message) {
	t.logMessage("destination", msg)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case msg.Type == protocol.TypeState && msg.State != nil:
		t.destinationState(msg.State)
	case msg.Type == protocol.TypeTrace && msg.Trace != nil:
		t.trace(msg.Trace, domain.OriginDestination)
	case msg.Type == protocol.TypeControl && msg.Control != nil:
		t.control(msg.Control, domain.OriginDestination)
	default:
		t.logger.Warn("ignoring unexpected destination message", log.String("type", string(msg.Type)))
	}
}

func (t *MessageTracker) sourceRecord(r *protocol.RecordMessage) {
	t.metrics.RecordReceived()

	d := r.Descriptor()
	idx, err := t.streams.index(d)
	if err != nil {
		t.markUnreliable(err)
	} else {
		t.running[idx]++
	}

	s := t.statsFor(d)
	s.emittedRecords++
	s.emittedBytes += int64(len(r.Data))
}

func (t *MessageTracker) sourceState(state *protocol.StateMessage) {
	copied := *state
	t.sourceOutput = &copied

	fp, err := Fingerprint(state)
	if err != nil {
		t.logger.Warn("cannot fingerprint source state", log.Err(err))
		t.markUnreliable(err)
		t.running = make(map[uint16]int64)
		return
	}

	if !t.unreliableCommitted {
		if err := t.delta.AddCheckpoint(fp, t.running); err != nil {
			t.markUnreliable(err)
		}
	}
	if err := t.metrics.SourceStateEmitted(fp); err != nil {
		t.logger.Warn("state timing metrics are no longer reliable",
			log.String("detail", "only metrics are affected, not sync data"), log.Err(err))
	}
	t.running = make(map[uint16]int64)
}

func (t *MessageTracker) destinationState(state *protocol.StateMessage) {
	if err := t.aggregator.Ingest(state); err != nil {
		t.logger.Error("cannot aggregate destination state", log.Err(err))
	} else {
		agg := t.aggregator.Aggregated()
		t.destinationOutput = &agg
	}

	fp, err := Fingerprint(state)
	if err != nil {
		t.logger.Warn("cannot fingerprint destination state", log.Err(err))
		t.markUnreliable(err)
		return
	}

	if !t.unreliableCommitted {
		if err := t.delta.CommitThrough(fp); err != nil {
			t.markUnreliable(err)
		}
	}
	if err := t.metrics.DestinationStateCommitted(fp); err != nil {
		t.logger.Warn("state timing metrics are no longer reliable",
			log.String("detail", "only metrics are affected, not sync data"), log.Err(err))
	}
}

func (t *MessageTracker) markUnreliable(err error) {
	if !t.unreliableCommitted {
		t.logger.Warn("committed record counts can no longer be computed reliably",
			log.String("detail", "only metadata is affected, not sync data"), log.Err(err))
	}
	t.unreliableCommitted = true
}

func (t *MessageTracker) trace(tr *protocol.TraceMessage, origin domain.Origin) {
	switch tr.Type {
	case protocol.TraceError:
		if origin == domain.OriginSource {
			t.sourceErrors = append(t.sourceErrors, tr)
		} else {
			t.destinationErrors = append(t.destinationErrors, tr)
		}
	case protocol.TraceEstimate:
		if tr.Estimate != nil {
			t.estimate(tr.Estimate)
		}
	default:
		t.logger.Debug("ignoring trace message", log.String("origin", string(origin)), log.String("trace_type", string(tr.Type)))
	}
}

// estimate stores an estimate. Each estimate replaces the previous one for
// its scope; STREAM and SYNC estimates cannot be mixed within one sync.
func (t *MessageTracker) estimate(e *protocol.EstimateTraceMessage) {
	switch e.Type {
	case protocol.EstimateStream:
		if t.estimates == estimateSync {
			t.logger.Warn("ignoring STREAM estimate: SYNC estimates were already emitted in this sync")
			return
		}
		t.estimates = estimateStream
		s := t.statsFor(protocol.StreamDescriptor{Name: e.Name, Namespace: e.Namespace})
		s.estimatedRecords = e.RowEstimate
		s.estimatedBytes = e.ByteEstimate
	case protocol.EstimateSync:
		if t.estimates == estimateStream {
			t.logger.Warn("ignoring SYNC estimate: STREAM estimates were already emitted in this sync")
			return
		}
		t.estimates = estimateSync
		t.syncRecordsEstimate = e.RowEstimate
		t.syncBytesEstimate = e.ByteEstimate
	default:
		t.logger.Warn("ignoring estimate of unknown type", log.String("estimate_type", string(e.Type)))
	}
}

func (t *MessageTracker) control(c *protocol.ControlMessage, origin domain.Origin) {
	if c.Type != protocol.ControlTypeConnectorConfig {
		t.logger.Warn("ignoring control message of unknown type", log.String("control_type", string(c.Type)))
		return
	}
	if origin == domain.OriginSource {
		t.sourceControls++
	} else {
		t.destControls++
	}
}

func (t *MessageTracker) statsFor(d protocol.StreamDescriptor) *streamStats {
	s, ok := t.stats[d]
	if !ok {
		s = &streamStats{}
		t.stats[d] = s
	}
	return s
}

func (t *MessageTracker) logMessage(origin string, msg protocol.Message) {
	if t.cfg.LogConnectorMessages == nil || !t.cfg.LogConnectorMessages() {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.logger.Warn("cannot serialize connector message", log.String("origin", origin), log.Err(err))
		return
	}
	t.logger.Info(origin+" message | "+string(b), log.String("origin", origin))
}
