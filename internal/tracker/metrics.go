package tracker

import (
	"errors"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

const (
	// DefaultMetricsMessageLimit caps outstanding source states kept for
	// emit-to-commit timing, roughly 10 MiB at 12 bytes each.
	DefaultMetricsMessageLimit = 873813

	metricsSampleSize = 1028

	SourceStatesMetric        = "source_state_messages"
	DestinationStatesMetric   = "destination_state_messages"
	BetweenSourceStatesMetric = "seconds_between_source_states"
	EmittedToCommittedMetric  = "seconds_between_state_emitted_and_committed"
)

var (
	errMetricsLimit   = errors.New("state metrics tracker: message limit exceeded")
	errNoStateMatched = errors.New("state metrics tracker: no emitted state matches committed state")
)

// StateMetrics is a snapshot of the state timing metrics.
type StateMetrics struct {
	SourceStatesEmitted      int64
	DestinationStatesEmitted int64

	MaxSecondsBetweenSourceStates  int64
	MeanSecondsBetweenSourceStates float64

	// Emit-to-commit timings are meaningless once Unreliable is set.
	MaxSecondsEmittedToCommitted  int64
	MeanSecondsEmittedToCommitted float64
	Unreliable                    bool

	FirstRecordAt     time.Time
	LastSourceStateAt time.Time
}

type emittedState struct {
	fingerprint uint64
	at          time.Time
}

// StateMetricsTracker measures how often sources checkpoint and how long
// destinations take to acknowledge checkpoints.
type StateMetricsTracker struct {
	registry     metrics.Registry
	sourceStates metrics.Counter
	destStates   metrics.Counter
	between      metrics.Histogram
	toCommit     metrics.Histogram

	limit      int
	emitted    []emittedState
	unreliable bool

	firstRecordAt   time.Time
	lastSourceState time.Time
	now             func() time.Time
}

// NewStateMetricsTracker returns a tracker keeping at most limit pending
// source states. A nil clock uses time.Now.
func NewStateMetricsTracker(limit int, now func() time.Time) *StateMetricsTracker {
	if now == nil {
		now = time.Now
	}
	if limit <= 0 {
		limit = DefaultMetricsMessageLimit
	}
	registry := metrics.NewRegistry()
	t := &StateMetricsTracker{
		registry:     registry,
		sourceStates: metrics.NewCounter(),
		destStates:   metrics.NewCounter(),
		between:      metrics.NewHistogram(metrics.NewUniformSample(metricsSampleSize)),
		toCommit:     metrics.NewHistogram(metrics.NewUniformSample(metricsSampleSize)),
		limit:        limit,
		now:          now,
	}
	registry.Register(SourceStatesMetric, t.sourceStates)
	registry.Register(DestinationStatesMetric, t.destStates)
	registry.Register(BetweenSourceStatesMetric, t.between)
	registry.Register(EmittedToCommittedMetric, t.toCommit)
	return t
}

// Registry exposes the underlying metrics for reporting.
func (t *StateMetricsTracker) Registry() metrics.Registry {
	return t.registry
}

// RecordReceived notes the arrival of a source record.
func (t *StateMetricsTracker) RecordReceived() {
	if t.firstRecordAt.IsZero() {
		t.firstRecordAt = t.now()
	}
}

// SourceStateEmitted records a source checkpoint.
func (t *StateMetricsTracker) SourceStateEmitted(fingerprint uint64) error {
	at := t.now()
	t.sourceStates.Inc(1)

	prev := t.lastSourceState
	if prev.IsZero() {
		prev = t.firstRecordAt
	}
	if !prev.IsZero() {
		t.between.Update(int64(at.Sub(prev) / time.Second))
	}
	t.lastSourceState = at

	if t.unreliable {
		return nil
	}
	if len(t.emitted) >= t.limit {
		t.unreliable = true
		t.emitted = nil
		return errMetricsLimit
	}
	t.emitted = append(t.emitted, emittedState{fingerprint: fingerprint, at: at})
	return nil
}

// DestinationStateCommitted records a destination acknowledgement and the
// latency of every source state it covers.
func (t *StateMetricsTracker) DestinationStateCommitted(fingerprint uint64) error {
	at := t.now()
	t.destStates.Inc(1)
	if t.unreliable {
		return nil
	}

	match := -1
	for i, e := range t.emitted {
		if e.fingerprint == fingerprint {
			match = i
			break
		}
	}
	if match < 0 {
		t.unreliable = true
		t.emitted = nil
		return errNoStateMatched
	}
	for _, e := range t.emitted[:match+1] {
		t.toCommit.Update(int64(at.Sub(e.at) / time.Second))
	}
	t.emitted = append(t.emitted[:0:0], t.emitted[match+1:]...)
	return nil
}

// Snapshot returns the current metric values.
func (t *StateMetricsTracker) Snapshot() StateMetrics {
	between := t.between.Snapshot()
	toCommit := t.toCommit.Snapshot()
	return StateMetrics{
		SourceStatesEmitted:            t.sourceStates.Count(),
		DestinationStatesEmitted:       t.destStates.Count(),
		MaxSecondsBetweenSourceStates:  between.Max(),
		MeanSecondsBetweenSourceStates: between.Mean(),
		MaxSecondsEmittedToCommitted:   toCommit.Max(),
		MeanSecondsEmittedToCommitted:  toCommit.Mean(),
		Unreliable:                     t.unreliable,
		FirstRecordAt:                  t.firstRecordAt,
		LastSourceStateAt:              t.lastSourceState,
	}
}
