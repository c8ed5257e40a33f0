// Package stateagg merges the state messages acknowledged by a destination
// into the canonical state of a sync.
package stateagg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// ErrStateTypeMismatch is returned when a state's variant differs from the
// variant of the first ingested state.
var ErrStateTypeMismatch = errors.New("stateagg: state type mismatch")

// Aggregator merges state messages. The zero value is not usable; create
// one with New. It is not safe for concurrent use.
type Aggregator struct {
	typ     protocol.StateType
	started bool

	legacy  *protocol.StateMessage
	streams map[protocol.StreamDescriptor]protocol.StateMessage

	shared       []byte
	globalStates map[protocol.StreamDescriptor][]byte
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		streams:      make(map[protocol.StreamDescriptor]protocol.StateMessage),
		globalStates: make(map[protocol.StreamDescriptor][]byte),
	}
}

// Ingest merges msg into the aggregate.
func (a *Aggregator) Ingest(msg *protocol.StateMessage) error {
	if msg == nil {
		return fmt.Errorf("stateagg: nil state")
	}
	typ := msg.StateType()
	if a.started && typ != a.typ {
		return fmt.Errorf("%w: aggregating %s, got %s", ErrStateTypeMismatch, a.typ, typ)
	}

	switch typ {
	case protocol.StateLegacy:
		m := *msg
		m.Type = protocol.StateLegacy
		a.legacy = &m
	case protocol.StateStream:
		if msg.Stream == nil {
			return fmt.Errorf("stateagg: STREAM state without stream block")
		}
		a.streams[msg.Stream.StreamDescriptor] = *msg
	case protocol.StateGlobal:
		if msg.Global == nil {
			return fmt.Errorf("stateagg: GLOBAL state without global block")
		}
		a.ingestGlobal(msg.Global)
	default:
		return fmt.Errorf("stateagg: unknown state type %q", typ)
	}

	a.typ = typ
	a.started = true
	return nil
}

// ingestGlobal updates the per-stream entries present in g. A state that
// carries no reset replaces the shared state. A reset (any null entry)
// replaces it only once every known stream is null.
func (a *Aggregator) ingestGlobal(g *protocol.GlobalState) {
	reset := false
	for _, s := range g.StreamStates {
		if protocol.IsNullJSON(s.StreamState) {
			reset = true
			a.globalStates[s.StreamDescriptor] = nil
			continue
		}
		a.globalStates[s.StreamDescriptor] = s.StreamState
	}

	if !reset || a.allStreamsNull() {
		a.shared = g.SharedState
	}
}

func (a *Aggregator) allStreamsNull() bool {
	for _, s := range a.globalStates {
		if !protocol.IsNullJSON(s) {
			return false
		}
	}
	return true
}

// Aggregated returns the merged state. Streams are ordered by descriptor.
func (a *Aggregator) Aggregated() protocol.AggregatedState {
	if !a.started {
		return protocol.AggregatedState{}
	}
	out := protocol.AggregatedState{Type: a.typ}

	switch a.typ {
	case protocol.StateLegacy:
		out.Messages = []protocol.StateMessage{*a.legacy}
	case protocol.StateStream:
		keys := make([]protocol.StreamDescriptor, 0, len(a.streams))
		for k := range a.streams {
			keys = append(keys, k)
		}
		sortDescriptors(keys)
		for _, k := range keys {
			out.Messages = append(out.Messages, a.streams[k])
		}
	case protocol.StateGlobal:
		keys := make([]protocol.StreamDescriptor, 0, len(a.globalStates))
		for k := range a.globalStates {
			keys = append(keys, k)
		}
		sortDescriptors(keys)
		states := make([]protocol.StreamState, 0, len(keys))
		for _, k := range keys {
			state := a.globalStates[k]
			if state == nil {
				state = []byte("null")
			}
			states = append(states, protocol.StreamState{StreamDescriptor: k, StreamState: state})
		}
		out.Messages = []protocol.StateMessage{{
			Type:   protocol.StateGlobal,
			Global: &protocol.GlobalState{SharedState: a.shared, StreamStates: states},
		}}
	}
	return out
}

func sortDescriptors(keys []protocol.StreamDescriptor) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
