package domain

import (
	"fmt"
	"time"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// Origin is the component a failure or message is attributed to.
type Origin string

const (
	OriginSource      Origin = "source"
	OriginDestination Origin = "destination"
	OriginReplication Origin = "replication"
	OriginHeartbeat   Origin = "heartbeat"
)

// FailureReason describes why a replication attempt did not complete.
type FailureReason struct {
	Origin          Origin               `json:"failure_origin"`
	Type            protocol.FailureType `json:"failure_type,omitempty"`
	Message         string               `json:"external_message"`
	InternalMessage string               `json:"internal_message,omitempty"`
	StackTrace      string               `json:"stacktrace,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
	JobID           int64                `json:"job_id,omitempty"`
	Attempt         int                  `json:"attempt,omitempty"`
	// FromTrace is set when the connector reported the failure itself.
	FromTrace bool `json:"from_trace_message,omitempty"`
}

// TraceFailure builds a failure from a connector error trace.
func TraceFailure(origin Origin, trace *protocol.TraceMessage, jobID int64, attempt int) FailureReason {
	f := FailureReason{
		Origin:    origin,
		Type:      protocol.FailureSystemError,
		Timestamp: time.UnixMilli(int64(trace.EmittedAt)),
		JobID:     jobID,
		Attempt:   attempt,
		FromTrace: true,
	}
	if e := trace.Error; e != nil {
		f.Message = e.Message
		f.InternalMessage = e.InternalMessage
		f.StackTrace = e.StackTrace
		if e.FailureType != "" {
			f.Type = e.FailureType
		}
	}
	return f
}

// ErrorFailure builds a failure from an error raised while replicating.
// The stack trace is taken from errors carrying one (github.com/pkg/errors).
func ErrorFailure(origin Origin, message string, err error, jobID int64, attempt int) FailureReason {
	f := FailureReason{
		Origin:    origin,
		Type:      protocol.FailureSystemError,
		Message:   message,
		Timestamp: time.Now(),
		JobID:     jobID,
		Attempt:   attempt,
	}
	if err != nil {
		f.InternalMessage = err.Error()
		f.StackTrace = fmt.Sprintf("%+v", err)
	}
	return f
}
