package domain

import (
	"time"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// SyncStatus is the outcome of a replication attempt.
type SyncStatus string

const (
	StatusCompleted SyncStatus = "COMPLETED"
	StatusFailed    SyncStatus = "FAILED"
	StatusCancelled SyncStatus = "CANCELLED"
)

// SyncStats are the counters of a sync, either in total or for one stream.
// Nil pointers mean the value could not be computed reliably.
type SyncStats struct {
	RecordsEmitted   int64  `json:"records_emitted"`
	BytesEmitted     int64  `json:"bytes_emitted"`
	RecordsCommitted *int64 `json:"records_committed,omitempty"`
	EstimatedRecords int64  `json:"estimated_records,omitempty"`
	EstimatedBytes   int64  `json:"estimated_bytes,omitempty"`

	SourceStateMessagesEmitted      int64    `json:"source_state_messages_emitted,omitempty"`
	DestinationStateMessagesEmitted int64    `json:"destination_state_messages_emitted,omitempty"`
	MaxSecondsBetweenSourceStates   int64    `json:"max_seconds_between_source_states,omitempty"`
	MeanSecondsBetweenSourceStates  float64  `json:"mean_seconds_between_source_states,omitempty"`
	MaxSecondsEmittedToCommitted    *int64   `json:"max_seconds_emitted_to_committed,omitempty"`
	MeanSecondsEmittedToCommitted   *float64 `json:"mean_seconds_emitted_to_committed,omitempty"`
}

// StreamSyncStats are the counters of one stream.
type StreamSyncStats struct {
	Stream protocol.StreamDescriptor `json:"stream"`
	Stats  SyncStats                 `json:"stats"`
}

// ReplicationOutput summarizes one replication attempt. It is what gets
// persisted per connection.
type ReplicationOutput struct {
	ConnectionID string     `json:"connection_id"`
	RunID        string     `json:"run_id"`
	JobID        int64      `json:"job_id,omitempty"`
	Attempt      int        `json:"attempt,omitempty"`
	Status       SyncStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`

	Totals  SyncStats         `json:"totals"`
	Streams []StreamSyncStats `json:"streams,omitempty"`

	// SourceState is the last state emitted by the source.
	SourceState *protocol.StateMessage `json:"source_state,omitempty"`
	// DestinationState is the aggregate of the states the destination
	// committed. It is the state to resume from.
	DestinationState *protocol.AggregatedState `json:"destination_state,omitempty"`

	Failures []FailureReason `json:"failures,omitempty"`
}
