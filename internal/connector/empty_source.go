package connector

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// EmptySource is used for reset-only syncs. Instead of running a connector
// it emits the states that clear the reset streams and then finishes.
type EmptySource struct {
	mu      sync.Mutex
	started bool
	queue   []protocol.Message
}

// NewEmptySource returns an EmptySource.
func NewEmptySource() *EmptySource {
	return &EmptySource{}
}

// Start queues the reset states: one null STREAM state per stream, one
// GLOBAL state nulling the shared state and every stream, or a single empty
// LEGACY state. Without explicit reset streams every configured stream is
// reset.
func (s *EmptySource) Start(_ context.Context, cfg SourceConfig, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return domain.ErrAlreadyStarted
	}
	s.started = true

	streams := cfg.ResetStreams
	if len(streams) == 0 {
		streams = cfg.Catalog.Descriptors()
	}
	null := json.RawMessage("null")

	switch cfg.ResetStateType {
	case protocol.StateStream:
		for _, d := range streams {
			s.queue = append(s.queue, stateMessage(protocol.StateMessage{
				Type:   protocol.StateStream,
				Stream: &protocol.StreamState{StreamDescriptor: d, StreamState: null},
			}))
		}
	case protocol.StateGlobal:
		states := make([]protocol.StreamState, 0, len(streams))
		for _, d := range streams {
			states = append(states, protocol.StreamState{StreamDescriptor: d, StreamState: null})
		}
		s.queue = append(s.queue, stateMessage(protocol.StateMessage{
			Type:   protocol.StateGlobal,
			Global: &protocol.GlobalState{StreamStates: protocol.SortStreamStates(states)},
		}))
	default:
		s.queue = append(s.queue, stateMessage(protocol.StateMessage{
			Type: protocol.StateLegacy,
			Data: json.RawMessage("{}"),
		}))
	}
	return nil
}

func stateMessage(state protocol.StateMessage) protocol.Message {
	return protocol.Message{Type: protocol.TypeState, State: &state}
}

// IsFinished reports whether every reset state was read.
func (s *EmptySource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.started || len(s.queue) == 0
}

// AttemptRead returns the next reset state.
func (s *EmptySource) AttemptRead() (protocol.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return protocol.Message{}, false, domain.ErrNotStarted
	}
	if len(s.queue) == 0 {
		return protocol.Message{}, false, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true, nil
}

// ExitValue is always 0.
func (s *EmptySource) ExitValue() (int, error) { return 0, nil }

// Close is a no-op.
func (s *EmptySource) Close() error { return nil }

// Cancel is a no-op.
func (s *EmptySource) Cancel() error { return nil }
