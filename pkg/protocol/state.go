package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// StateType is the variant of a state message.
type StateType string

const (
	StateLegacy StateType = "LEGACY"
	StateStream StateType = "STREAM"
	StateGlobal StateType = "GLOBAL"
)

// StateMessage is a checkpoint emitted by a source and echoed by a
// destination once everything before it is durably written.
type StateMessage struct {
	Type   StateType       `json:"type,omitempty"`
	Stream *StreamState    `json:"stream,omitempty"`
	Global *GlobalState    `json:"global,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StateType returns the effective variant. Messages without a type are legacy.
func (s StateMessage) StateType() StateType {
	if s.Type == "" {
		return StateLegacy
	}
	return s.Type
}

// Payload returns the JSON that identifies this checkpoint: the legacy data,
// the stream's state, or the whole global block.
func (s StateMessage) Payload() (json.RawMessage, error) {
	switch s.StateType() {
	case StateLegacy:
		return s.Data, nil
	case StateStream:
		if s.Stream == nil {
			return nil, fmt.Errorf("STREAM state without stream block")
		}
		return s.Stream.StreamState, nil
	case StateGlobal:
		if s.Global == nil {
			return nil, fmt.Errorf("GLOBAL state without global block")
		}
		return json.Marshal(s.Global)
	default:
		return nil, fmt.Errorf("unknown state type %q", s.Type)
	}
}

// StreamState is the state of a single stream.
// A nil or JSON null StreamState represents a reset stream.
type StreamState struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	StreamState      json.RawMessage  `json:"stream_state"`
}

// GlobalState is shared state plus the state of every stream.
type GlobalState struct {
	SharedState  json.RawMessage `json:"shared_state,omitempty"`
	StreamStates []StreamState   `json:"stream_states"`
}

// AggregatedState is the canonical "last known good" state of a sync.
type AggregatedState struct {
	Type     StateType      `json:"type"`
	Messages []StateMessage `json:"messages"`
}

// IsEmpty reports whether no state was ever aggregated.
func (a AggregatedState) IsEmpty() bool {
	return len(a.Messages) == 0
}

// InputState renders the aggregate in the form a source reads from its state
// file: the raw data for legacy state, otherwise the list of state messages.
// An empty aggregate renders as JSON null.
func (a AggregatedState) InputState() (json.RawMessage, error) {
	if a.IsEmpty() {
		return json.RawMessage("null"), nil
	}
	if a.Type == StateLegacy {
		if len(a.Messages[0].Data) == 0 {
			return json.RawMessage("null"), nil
		}
		return a.Messages[0].Data, nil
	}
	return json.Marshal(a.Messages)
}

// SortStreamStates returns a copy of states ordered by descriptor.
func SortStreamStates(states []StreamState) []StreamState {
	out := append([]StreamState(nil), states...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].StreamDescriptor.Less(out[j].StreamDescriptor)
	})
	return out
}

// IsNullJSON reports whether raw is absent or the JSON literal null.
func IsNullJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// CanonicalJSON re-encodes raw with sorted object keys so that two
// serializations of the same value compare byte-equal. Numbers keep their
// literal form.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if IsNullJSON(raw) {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return json.Marshal(v)
}
