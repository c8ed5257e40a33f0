package tracker

import (
	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

func (t *MessageTracker) perStream(get func(*streamStats) int64) map[protocol.StreamDescriptor]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[protocol.StreamDescriptor]int64, len(t.stats))
	for d, s := range t.stats {
		out[d] = get(s)
	}
	return out
}

func (t *MessageTracker) total(get func(*streamStats) int64) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int64
	for _, s := range t.stats {
		n += get(s)
	}
	return n
}

// StreamToEmittedRecords returns the records emitted per stream.
func (t *MessageTracker) StreamToEmittedRecords() map[protocol.StreamDescriptor]int64 {
	return t.perStream(func(s *streamStats) int64 { return s.emittedRecords })
}

// StreamToEmittedBytes returns the bytes emitted per stream.
func (t *MessageTracker) StreamToEmittedBytes() map[protocol.StreamDescriptor]int64 {
	return t.perStream(func(s *streamStats) int64 { return s.emittedBytes })
}

// StreamToEstimatedRecords returns the latest record estimate per stream.
func (t *MessageTracker) StreamToEstimatedRecords() map[protocol.StreamDescriptor]int64 {
	return t.perStream(func(s *streamStats) int64 { return s.estimatedRecords })
}

// StreamToEstimatedBytes returns the latest byte estimate per stream.
func (t *MessageTracker) StreamToEstimatedBytes() map[protocol.StreamDescriptor]int64 {
	return t.perStream(func(s *streamStats) int64 { return s.estimatedBytes })
}

// TotalRecordsEmitted sums emitted records over all streams.
func (t *MessageTracker) TotalRecordsEmitted() int64 {
	return t.total(func(s *streamStats) int64 { return s.emittedRecords })
}

// TotalBytesEmitted sums emitted bytes over all streams.
func (t *MessageTracker) TotalBytesEmitted() int64 {
	return t.total(func(s *streamStats) int64 { return s.emittedBytes })
}

// TotalRecordsEstimated returns the sync estimate, or the sum of stream
// estimates when the source reported per stream.
func (t *MessageTracker) TotalRecordsEstimated() int64 {
	if t.syncEstimates() {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.syncRecordsEstimate
	}
	return t.total(func(s *streamStats) int64 { return s.estimatedRecords })
}

// TotalBytesEstimated is TotalRecordsEstimated for bytes.
func (t *MessageTracker) TotalBytesEstimated() int64 {
	if t.syncEstimates() {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.syncBytesEstimate
	}
	return t.total(func(s *streamStats) int64 { return s.estimatedBytes })
}

func (t *MessageTracker) syncEstimates() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.estimates == estimateSync
}

// StreamToCommittedRecords returns the committed records per stream, or
// false when they cannot be computed reliably.
func (t *MessageTracker) StreamToCommittedRecords() (map[protocol.StreamDescriptor]int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.unreliableCommitted {
		return nil, false
	}
	committed := t.delta.CommittedRecords()
	out := make(map[protocol.StreamDescriptor]int64, len(committed))
	for idx, n := range committed {
		if d, ok := t.streams.descriptor(idx); ok {
			out[d] = n
		}
	}
	return out, true
}

// TotalRecordsCommitted sums committed records, or returns false when they
// cannot be computed reliably.
func (t *MessageTracker) TotalRecordsCommitted() (int64, bool) {
	committed, ok := t.StreamToCommittedRecords()
	if !ok {
		return 0, false
	}
	var n int64
	for _, c := range committed {
		n += c
	}
	return n, true
}

// UnreliableCommittedCounts reports whether committed counts were given up on.
func (t *MessageTracker) UnreliableCommittedCounts() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unreliableCommitted
}

// FirstSourceError returns the first error trace of the source, if any.
func (t *MessageTracker) FirstSourceError() *protocol.TraceMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.sourceErrors) == 0 {
		return nil
	}
	return t.sourceErrors[0]
}

// FirstDestinationError returns the first error trace of the destination, if any.
func (t *MessageTracker) FirstDestinationError() *protocol.TraceMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.destinationErrors) == 0 {
		return nil
	}
	return t.destinationErrors[0]
}

// ErrorTraceFailure picks the connector-reported failure that happened
// first. It returns nil when neither connector reported an error.
func (t *MessageTracker) ErrorTraceFailure(jobID int64, attempt int) *domain.FailureReason {
	src, dst := t.FirstSourceError(), t.FirstDestinationError()
	var f domain.FailureReason
	switch {
	case src == nil && dst == nil:
		return nil
	case dst == nil:
		f = domain.TraceFailure(domain.OriginSource, src, jobID, attempt)
	case src == nil:
		f = domain.TraceFailure(domain.OriginDestination, dst, jobID, attempt)
	case src.EmittedAt <= dst.EmittedAt:
		f = domain.TraceFailure(domain.OriginSource, src, jobID, attempt)
	default:
		f = domain.TraceFailure(domain.OriginDestination, dst, jobID, attempt)
	}
	return &f
}

// SourceOutputState returns the last state emitted by the source.
func (t *MessageTracker) SourceOutputState() (protocol.StateMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sourceOutput == nil {
		return protocol.StateMessage{}, false
	}
	return *t.sourceOutput, true
}

// DestinationOutputState returns the aggregate of the states acknowledged
// by the destination.
func (t *MessageTracker) DestinationOutputState() (protocol.AggregatedState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.destinationOutput == nil {
		return protocol.AggregatedState{}, false
	}
	return *t.destinationOutput, true
}

// ControlMessages returns the connector config updates seen per origin.
func (t *MessageTracker) ControlMessages() (source, destination int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sourceControls, t.destControls
}

// StateMetrics returns the state timing metrics.
func (t *MessageTracker) StateMetrics() StateMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics.Snapshot()
}
