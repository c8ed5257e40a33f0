package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator carried by every protocol line.
type MessageType string

const (
	TypeRecord           MessageType = "RECORD"
	TypeState            MessageType = "STATE"
	TypeLog              MessageType = "LOG"
	TypeTrace            MessageType = "TRACE"
	TypeSpec             MessageType = "SPEC"
	TypeConnectionStatus MessageType = "CONNECTION_STATUS"
	TypeCatalog          MessageType = "CATALOG"
	TypeControl          MessageType = "CONTROL"
)

// MessageTypes lists every known message type.
var MessageTypes = []MessageType{
	TypeRecord, TypeState, TypeLog, TypeTrace,
	TypeSpec, TypeConnectionStatus, TypeCatalog, TypeControl,
}

// TypeSet is a set of accepted message types.
type TypeSet map[MessageType]struct{}

// NewTypeSet builds a TypeSet from the given types.
func NewTypeSet(types ...MessageType) TypeSet {
	s := make(TypeSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether t is in the set. A nil set accepts everything.
func (s TypeSet) Contains(t MessageType) bool {
	if s == nil {
		return true
	}
	_, ok := s[t]
	return ok
}

// Message is one protocol line. Exactly one payload matching Type is set.
type Message struct {
	Type             MessageType             `json:"type"`
	Log              *LogMessage             `json:"log,omitempty"`
	Spec             *ConnectorSpecification `json:"spec,omitempty"`
	ConnectionStatus *ConnectionStatus       `json:"connectionStatus,omitempty"`
	Catalog          *Catalog                `json:"catalog,omitempty"`
	Record           *RecordMessage          `json:"record,omitempty"`
	State            *StateMessage           `json:"state,omitempty"`
	Trace            *TraceMessage           `json:"trace,omitempty"`
	Control          *ControlMessage         `json:"control,omitempty"`
}

// Validate checks that the payload matching Type is present.
func (m Message) Validate() error {
	var present bool
	switch m.Type {
	case TypeRecord:
		present = m.Record != nil
	case TypeState:
		present = m.State != nil
	case TypeLog:
		present = m.Log != nil
	case TypeTrace:
		present = m.Trace != nil
	case TypeSpec:
		present = m.Spec != nil
	case TypeConnectionStatus:
		present = m.ConnectionStatus != nil
	case TypeCatalog:
		present = m.Catalog != nil
	case TypeControl:
		present = m.Control != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !present {
		return fmt.Errorf("%s message without payload", m.Type)
	}
	return nil
}

// MarshalLine serializes the message as a single newline-terminated JSON line.
func (m Message) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RecordMessage carries one row of a stream.
type RecordMessage struct {
	Stream    string          `json:"stream"`
	Namespace string          `json:"namespace,omitempty"`
	Data      json.RawMessage `json:"data"`
	EmittedAt int64           `json:"emitted_at"`
}

// Descriptor returns the stream the record belongs to.
func (r RecordMessage) Descriptor() StreamDescriptor {
	return StreamDescriptor{Name: r.Stream, Namespace: r.Namespace}
}

// LogLevel is the severity of a connector LOG message.
type LogLevel string

const (
	LogFatal LogLevel = "FATAL"
	LogError LogLevel = "ERROR"
	LogWarn  LogLevel = "WARN"
	LogInfo  LogLevel = "INFO"
	LogDebug LogLevel = "DEBUG"
	LogTrace LogLevel = "TRACE"
)

// LogMessage is connector diagnostic output.
type LogMessage struct {
	Level      LogLevel `json:"level"`
	Message    string   `json:"message"`
	StackTrace string   `json:"stack_trace,omitempty"`
}

// ConnectorSpecification describes a connector. Only the fields the bridge
// relies on are typed; the rest is kept raw.
type ConnectorSpecification struct {
	ProtocolVersion         string          `json:"protocol_version,omitempty"`
	DocumentationURL        string          `json:"documentationUrl,omitempty"`
	ChangelogURL            string          `json:"changelogUrl,omitempty"`
	ConnectionSpecification json.RawMessage `json:"connectionSpecification,omitempty"`
	SupportsIncremental     *bool           `json:"supportsIncremental,omitempty"`
}

// ConnectionStatus is the result of a connector check.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TraceType discriminates TRACE payloads.
type TraceType string

const (
	TraceError        TraceType = "ERROR"
	TraceEstimate     TraceType = "ESTIMATE"
	TraceStreamStatus TraceType = "STREAM_STATUS"
)

// TraceMessage carries structured diagnostics from a connector.
type TraceMessage struct {
	Type         TraceType             `json:"type"`
	EmittedAt    float64               `json:"emitted_at"`
	Error        *ErrorTraceMessage    `json:"error,omitempty"`
	Estimate     *EstimateTraceMessage `json:"estimate,omitempty"`
	StreamStatus json.RawMessage       `json:"stream_status,omitempty"`
}

// FailureType classifies an error trace.
type FailureType string

const (
	FailureSystemError FailureType = "system_error"
	FailureConfigError FailureType = "config_error"
)

// ErrorTraceMessage is a connector-reported failure.
type ErrorTraceMessage struct {
	Message         string      `json:"message"`
	InternalMessage string      `json:"internal_message,omitempty"`
	StackTrace      string      `json:"stack_trace,omitempty"`
	FailureType     FailureType `json:"failure_type,omitempty"`
}

// EstimateType is the scope of an estimate.
type EstimateType string

const (
	EstimateStream EstimateType = "STREAM"
	EstimateSync   EstimateType = "SYNC"
)

// EstimateTraceMessage carries a row/byte estimate for a stream or the whole sync.
type EstimateTraceMessage struct {
	Name         string       `json:"name"`
	Namespace    string       `json:"namespace,omitempty"`
	Type         EstimateType `json:"type"`
	RowEstimate  int64        `json:"row_estimate,omitempty"`
	ByteEstimate int64        `json:"byte_estimate,omitempty"`
}

// ControlType discriminates CONTROL payloads.
type ControlType string

const ControlTypeConnectorConfig ControlType = "CONNECTOR_CONFIG"

// ControlMessage asks the orchestrator to act on behalf of the connector.
type ControlMessage struct {
	Type            ControlType             `json:"type"`
	EmittedAt       float64                 `json:"emitted_at"`
	ConnectorConfig *ControlConnectorConfig `json:"connectorConfig,omitempty"`
}

// ControlConnectorConfig carries an updated connector configuration.
type ControlConnectorConfig struct {
	Config json.RawMessage `json:"config"`
}
