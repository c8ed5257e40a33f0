package stateagg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

func streamState(name, state string) *protocol.StateMessage {
	return &protocol.StateMessage{
		Type: protocol.StateStream,
		Stream: &protocol.StreamState{
			StreamDescriptor: protocol.StreamDescriptor{Name: name},
			StreamState:      json.RawMessage(state),
		},
	}
}

func globalState(shared string, streams map[string]string) *protocol.StateMessage {
	g := &protocol.GlobalState{}
	if shared != "" {
		g.SharedState = json.RawMessage(shared)
	}
	for name, state := range streams {
		g.StreamStates = append(g.StreamStates, protocol.StreamState{
			StreamDescriptor: protocol.StreamDescriptor{Name: name},
			StreamState:      json.RawMessage(state),
		})
	}
	return &protocol.StateMessage{Type: protocol.StateGlobal, Global: g}
}

func globalStreams(t *testing.T, agg protocol.AggregatedState) map[string]string {
	t.Helper()
	require.Len(t, agg.Messages, 1)
	out := map[string]string{}
	for _, s := range agg.Messages[0].Global.StreamStates {
		out[s.StreamDescriptor.Name] = string(s.StreamState)
	}
	return out
}

func TestAggregator_Empty(t *testing.T) {
	a := New()
	assert.True(t, a.Aggregated().IsEmpty())
}

func TestAggregator_LegacyReplaces(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(&protocol.StateMessage{Data: json.RawMessage(`{"c":1}`)}))
	require.NoError(t, a.Ingest(&protocol.StateMessage{Data: json.RawMessage(`{"c":2}`)}))

	agg := a.Aggregated()
	assert.Equal(t, protocol.StateLegacy, agg.Type)
	require.Len(t, agg.Messages, 1)
	assert.JSONEq(t, `{"c":2}`, string(agg.Messages[0].Data))
}

func TestAggregator_StreamReplacesOnlyItsEntry(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(streamState("b", `{"c":1}`)))
	require.NoError(t, a.Ingest(streamState("a", `{"c":1}`)))
	require.NoError(t, a.Ingest(streamState("b", `{"c":2}`)))

	agg := a.Aggregated()
	assert.Equal(t, protocol.StateStream, agg.Type)
	require.Len(t, agg.Messages, 2)
	assert.Equal(t, "a", agg.Messages[0].Stream.StreamDescriptor.Name)
	assert.JSONEq(t, `{"c":1}`, string(agg.Messages[0].Stream.StreamState))
	assert.Equal(t, "b", agg.Messages[1].Stream.StreamDescriptor.Name)
	assert.JSONEq(t, `{"c":2}`, string(agg.Messages[1].Stream.StreamState))
}

func TestAggregator_RejectsTypeMismatch(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(streamState("a", `{}`)))

	err := a.Ingest(&protocol.StateMessage{Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrStateTypeMismatch)
	assert.Equal(t, protocol.StateStream, a.Aggregated().Type)
}

func TestAggregator_RejectsMalformed(t *testing.T) {
	a := New()
	assert.Error(t, a.Ingest(nil))
	assert.Error(t, a.Ingest(&protocol.StateMessage{Type: protocol.StateStream}))
	assert.Error(t, a.Ingest(&protocol.StateMessage{Type: protocol.StateGlobal}))
	assert.True(t, a.Aggregated().IsEmpty())
}

func TestAggregator_GlobalUpdatesSharedOnRegularState(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(globalState(`{"lsn":1}`, map[string]string{"a": `{"c":1}`, "b": `{"c":1}`})))
	require.NoError(t, a.Ingest(globalState(`{"lsn":2}`, map[string]string{"a": `{"c":2}`})))

	agg := a.Aggregated()
	assert.Equal(t, protocol.StateGlobal, agg.Type)
	assert.JSONEq(t, `{"lsn":2}`, string(agg.Messages[0].Global.SharedState))
	assert.Equal(t, map[string]string{"a": `{"c":2}`, "b": `{"c":1}`}, globalStreams(t, agg))
}

func TestAggregator_GlobalPartialResetKeepsShared(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(globalState(`{"lsn":1}`, map[string]string{"a": `{"c":1}`, "b": `{"c":1}`})))
	require.NoError(t, a.Ingest(globalState("", map[string]string{"a": `null`})))

	agg := a.Aggregated()
	assert.JSONEq(t, `{"lsn":1}`, string(agg.Messages[0].Global.SharedState))
	assert.Equal(t, map[string]string{"a": `null`, "b": `{"c":1}`}, globalStreams(t, agg))
}

func TestAggregator_GlobalFullResetClearsShared(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(globalState(`{"lsn":1}`, map[string]string{"a": `{"c":1}`, "b": `{"c":1}`})))
	require.NoError(t, a.Ingest(globalState("", map[string]string{"a": `null`, "b": `null`})))

	agg := a.Aggregated()
	assert.Nil(t, agg.Messages[0].Global.SharedState)
	assert.Equal(t, map[string]string{"a": `null`, "b": `null`}, globalStreams(t, agg))
}

func TestAggregator_GlobalResetAddsUnknownStreams(t *testing.T) {
	a := New()
	require.NoError(t, a.Ingest(globalState(`{"lsn":1}`, map[string]string{"a": `{"c":1}`})))
	require.NoError(t, a.Ingest(globalState("", map[string]string{"z": `null`})))

	agg := a.Aggregated()
	assert.JSONEq(t, `{"lsn":1}`, string(agg.Messages[0].Global.SharedState))
	assert.Equal(t, map[string]string{"a": `{"c":1}`, "z": `null`}, globalStreams(t, agg))

	names := []string{}
	for _, s := range agg.Messages[0].Global.StreamStates {
		names = append(names, s.StreamDescriptor.Name)
	}
	assert.Equal(t, []string{"a", "z"}, names)
}
