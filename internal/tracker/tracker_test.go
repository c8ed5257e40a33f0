package tracker

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

var orders = protocol.StreamDescriptor{Name: "orders"}

func record(stream string, data string) protocol.Message {
	return protocol.Message{Type: protocol.TypeRecord, Record: &protocol.RecordMessage{
		Stream: stream,
		Data:   json.RawMessage(data),
	}}
}

func legacyState(data string) protocol.Message {
	return protocol.Message{Type: protocol.TypeState, State: &protocol.StateMessage{
		Type: protocol.StateLegacy,
		Data: json.RawMessage(data),
	}}
}

func streamState(stream, state string) protocol.Message {
	return protocol.Message{Type: protocol.TypeState, State: &protocol.StateMessage{
		Type: protocol.StateStream,
		Stream: &protocol.StreamState{
			StreamDescriptor: protocol.StreamDescriptor{Name: stream},
			StreamState:      json.RawMessage(state),
		},
	}}
}

func errorTrace(emittedAt float64, msg string) protocol.Message {
	return protocol.Message{Type: protocol.TypeTrace, Trace: &protocol.TraceMessage{
		Type:      protocol.TraceError,
		EmittedAt: emittedAt,
		Error:     &protocol.ErrorTraceMessage{Message: msg, FailureType: protocol.FailureConfigError},
	}}
}

func estimate(typ protocol.EstimateType, name string, rows, bytes int64) protocol.Message {
	return protocol.Message{Type: protocol.TypeTrace, Trace: &protocol.TraceMessage{
		Type: protocol.TraceEstimate,
		Estimate: &protocol.EstimateTraceMessage{
			Type: typ, Name: name, RowEstimate: rows, ByteEstimate: bytes,
		},
	}}
}

func TestMessageTracker_EmittedAndCommitted(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	for i := 0; i < 3; i++ {
		tr.AcceptFromSource(record("orders", `{"id":1}`))
	}
	tr.AcceptFromSource(legacyState(`{"cursor":3}`))

	assert.Equal(t, map[protocol.StreamDescriptor]int64{orders: 3}, tr.StreamToEmittedRecords())
	assert.Equal(t, int64(3*len(`{"id":1}`)), tr.TotalBytesEmitted())
	committed, ok := tr.StreamToCommittedRecords()
	require.True(t, ok)
	assert.Empty(t, committed)

	// Same state, different key order and whitespace.
	tr.AcceptFromDestination(legacyState(`{ "cursor": 3 }`))

	committed, ok = tr.StreamToCommittedRecords()
	require.True(t, ok)
	assert.Equal(t, map[protocol.StreamDescriptor]int64{orders: 3}, committed)
	total, ok := tr.TotalRecordsCommitted()
	require.True(t, ok)
	assert.Equal(t, int64(3), total)
	assert.False(t, tr.UnreliableCommittedCounts())

	src, ok := tr.SourceOutputState()
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":3}`, string(src.Data))
	dst, ok := tr.DestinationOutputState()
	require.True(t, ok)
	assert.Equal(t, protocol.StateLegacy, dst.Type)
}

func TestMessageTracker_UnknownDestinationState(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.AcceptFromSource(record("orders", `{}`))
	tr.AcceptFromSource(legacyState(`{"cursor":1}`))

	tr.AcceptFromDestination(legacyState(`{"cursor":"never emitted"}`))

	assert.True(t, tr.UnreliableCommittedCounts())
	_, ok := tr.StreamToCommittedRecords()
	assert.False(t, ok)
	_, ok = tr.TotalRecordsCommitted()
	assert.False(t, ok)
	assert.True(t, tr.StateMetrics().Unreliable)

	// Emitted counts are unaffected.
	assert.Equal(t, int64(1), tr.TotalRecordsEmitted())
}

func TestMessageTracker_CommittedNeverExceedsEmitted(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	streams := []string{"a", "b", "c"}

	for cp := 0; cp < 20; cp++ {
		for i := 0; i <= cp%4; i++ {
			tr.AcceptFromSource(record(streams[(cp+i)%3], `{"v":1}`))
		}
		tr.AcceptFromSource(streamState(streams[cp%3], fmt.Sprintf(`{"cp":%d}`, cp)))

		if cp%3 == 2 {
			tr.AcceptFromDestination(streamState(streams[cp%3], fmt.Sprintf(`{"cp":%d}`, cp)))
		}

		emitted := tr.StreamToEmittedRecords()
		committed, ok := tr.StreamToCommittedRecords()
		require.True(t, ok)
		for d, n := range committed {
			assert.LessOrEqual(t, n, emitted[d], "stream %s at checkpoint %d", d, cp)
		}
	}

	// Acknowledge the final checkpoint: everything is committed.
	tr.AcceptFromDestination(streamState(streams[19%3], `{"cp":19}`))
	committed, ok := tr.StreamToCommittedRecords()
	require.True(t, ok)
	assert.Equal(t, tr.StreamToEmittedRecords(), committed)
}

func TestMessageTracker_DeltaOverflowIsSticky(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeltaMemoryLimitBytes = fingerprintBytes + streamEntryBytes
	tr := New(cfg, nil)

	tr.AcceptFromSource(record("orders", `{}`))
	tr.AcceptFromSource(legacyState(`{"c":1}`))
	tr.AcceptFromSource(record("orders", `{}`))
	tr.AcceptFromSource(legacyState(`{"c":2}`))
	assert.True(t, tr.UnreliableCommittedCounts())

	tr.AcceptFromDestination(legacyState(`{"c":1}`))
	tr.AcceptFromSource(legacyState(`{"c":3}`))
	_, ok := tr.StreamToCommittedRecords()
	assert.False(t, ok)
}

func TestMessageTracker_ErrorTraceFailure(t *testing.T) {
	tests := []struct {
		name       string
		source     []float64
		dest       []float64
		wantNil    bool
		wantOrigin domain.Origin
		wantMsg    string
	}{
		{name: "none", wantNil: true},
		{name: "source only", source: []float64{5, 1}, wantOrigin: domain.OriginSource, wantMsg: "source 5"},
		{name: "destination only", dest: []float64{3}, wantOrigin: domain.OriginDestination, wantMsg: "destination 3"},
		{name: "source earlier", source: []float64{2}, dest: []float64{3}, wantOrigin: domain.OriginSource, wantMsg: "source 2"},
		{name: "destination earlier", source: []float64{4}, dest: []float64{3}, wantOrigin: domain.OriginDestination, wantMsg: "destination 3"},
		{name: "tie goes to source", source: []float64{3}, dest: []float64{3}, wantOrigin: domain.OriginSource, wantMsg: "source 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(DefaultConfig(), nil)
			for _, at := range tt.source {
				tr.AcceptFromSource(errorTrace(at, fmt.Sprintf("source %g", at)))
			}
			for _, at := range tt.dest {
				tr.AcceptFromDestination(errorTrace(at, fmt.Sprintf("destination %g", at)))
			}

			f := tr.ErrorTraceFailure(7, 2)
			if tt.wantNil {
				assert.Nil(t, f)
				return
			}
			require.NotNil(t, f)
			assert.Equal(t, tt.wantOrigin, f.Origin)
			assert.Equal(t, tt.wantMsg, f.Message)
			assert.Equal(t, protocol.FailureConfigError, f.Type)
			assert.Equal(t, int64(7), f.JobID)
			assert.Equal(t, 2, f.Attempt)
			assert.True(t, f.FromTrace)
		})
	}
}

func TestMessageTracker_Estimates(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.AcceptFromSource(estimate(protocol.EstimateStream, "orders", 100, 1000))
	tr.AcceptFromSource(estimate(protocol.EstimateStream, "users", 10, 50))
	tr.AcceptFromSource(estimate(protocol.EstimateStream, "orders", 200, 2000))
	tr.AcceptFromSource(estimate(protocol.EstimateSync, "", 5, 5))

	assert.Equal(t, int64(200), tr.StreamToEstimatedRecords()[orders])
	assert.Equal(t, int64(2000), tr.StreamToEstimatedBytes()[orders])
	assert.Equal(t, int64(210), tr.TotalRecordsEstimated())
	assert.Equal(t, int64(2050), tr.TotalBytesEstimated())

	syncTr := New(DefaultConfig(), nil)
	syncTr.AcceptFromSource(record("orders", `{}`))
	syncTr.AcceptFromSource(estimate(protocol.EstimateSync, "", 500, 5000))
	syncTr.AcceptFromSource(estimate(protocol.EstimateStream, "orders", 1, 1))
	assert.Equal(t, int64(500), syncTr.TotalRecordsEstimated())
	assert.Equal(t, int64(5000), syncTr.TotalBytesEstimated())
	assert.Zero(t, syncTr.StreamToEstimatedRecords()[orders])
}

func TestMessageTracker_ControlAndUnexpected(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	control := protocol.Message{Type: protocol.TypeControl, Control: &protocol.ControlMessage{
		Type:            protocol.ControlTypeConnectorConfig,
		ConnectorConfig: &protocol.ControlConnectorConfig{Config: json.RawMessage(`{"k":"v"}`)},
	}}
	tr.AcceptFromSource(control)
	tr.AcceptFromDestination(control)
	tr.AcceptFromDestination(control)

	// Records from a destination are not expected and are ignored.
	tr.AcceptFromDestination(record("orders", `{}`))
	tr.AcceptFromSource(protocol.Message{Type: protocol.TypeSpec, Spec: &protocol.ConnectorSpecification{}})

	src, dst := tr.ControlMessages()
	assert.Equal(t, int64(1), src)
	assert.Equal(t, int64(2), dst)
	assert.Zero(t, tr.TotalRecordsEmitted())
}

func TestMessageTracker_DestinationStateTypeMismatchIsNotFatal(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.AcceptFromSource(streamState("orders", `{"c":1}`))
	tr.AcceptFromSource(legacyState(`{"c":2}`))

	tr.AcceptFromDestination(streamState("orders", `{"c":1}`))
	tr.AcceptFromDestination(legacyState(`{"c":2}`))

	dst, ok := tr.DestinationOutputState()
	require.True(t, ok)
	assert.Equal(t, protocol.StateStream, dst.Type)
	assert.False(t, tr.UnreliableCommittedCounts())
}

func TestMessageTracker_ConcurrentReads(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			tr.AcceptFromSource(record("orders", `{}`))
			if i%50 == 49 {
				tr.AcceptFromSource(legacyState(fmt.Sprintf(`{"c":%d}`, i)))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = tr.StreamToEmittedRecords()
			_, _ = tr.StreamToCommittedRecords()
			_ = tr.StateMetrics()
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(500), tr.TotalRecordsEmitted())
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *lineLogger) Debug(msg string, _ ...log.Field) { l.add(msg) }
func (l *lineLogger) Info(msg string, _ ...log.Field)  { l.add(msg) }
func (l *lineLogger) Warn(msg string, _ ...log.Field)  { l.add(msg) }
func (l *lineLogger) Error(msg string, _ ...log.Field) { l.add(msg) }

func TestMessageTracker_LogConnectorMessagesToggle(t *testing.T) {
	var enabled atomic.Bool
	logger := &lineLogger{}
	cfg := DefaultConfig()
	cfg.LogConnectorMessages = enabled.Load
	tr := New(cfg, logger)

	tr.AcceptFromSource(record("orders", `{"id":1}`))
	assert.Empty(t, logger.lines)

	enabled.Store(true)
	tr.AcceptFromSource(record("orders", `{"id":2}`))
	require.Len(t, logger.lines, 1)
	assert.Contains(t, logger.lines[0], "source message | ")
	assert.Contains(t, logger.lines[0], `{"id":2}`)
}
