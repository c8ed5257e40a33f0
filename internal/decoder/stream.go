// Package decoder turns a connector's raw output into a forward-only stream
// of validated protocol messages in the current version.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema"

	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
	"github.com/bft-labs/connbridge/pkg/protocol/migration"
)

const (
	// DefaultMaxLineBytes bounds the size of a single protocol line.
	DefaultMaxLineBytes = 100 * 1024 * 1024

	// DefaultDetectionLookahead is the number of lines scanned for a SPEC.
	DefaultDetectionLookahead = 10

	// DefaultDetectionBufferBytes caps the bytes buffered during detection.
	DefaultDetectionBufferBytes = 1024 * 1024

	// maxLoggedJSON truncates offending lines in logs.
	maxLoggedJSON = 2048
)

// Options configures a Stream.
type Options struct {
	// Logger receives connector chatter, LOG messages and dropped lines.
	Logger log.Logger

	// Accept restricts the forwarded message types. Nil accepts all.
	Accept protocol.TypeSet

	// Version is the protocol version the connector speaks. Ignored when
	// DetectVersion is set. Zero means protocol.CurrentVersion.
	Version protocol.Version

	// DetectVersion scans the first lines for a SPEC message declaring
	// protocol_version.
	DetectVersion        bool
	DetectionLookahead   int
	DetectionBufferBytes int

	// MaxLineBytes bounds line length; longer lines are dropped.
	MaxLineBytes int

	// Registry migrates older messages. Nil uses migration.DefaultRegistry.
	Registry *migration.Registry

	// Schema validates the message envelope. Nil uses the embedded one.
	Schema *jsonschema.Schema
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.DetectionLookahead <= 0 {
		o.DetectionLookahead = DefaultDetectionLookahead
	}
	if o.DetectionBufferBytes <= 0 {
		o.DetectionBufferBytes = DefaultDetectionBufferBytes
	}
	if o.Version == (protocol.Version{}) {
		o.Version = protocol.CurrentVersion
	}
	if o.Registry == nil {
		o.Registry = migration.DefaultRegistry()
	}
}

// Stream is a blocking, forward-only iterator over decoded messages.
// It is not safe for concurrent use.
type Stream struct {
	opts   Options
	lines  *lineReader
	schema *jsonschema.Schema

	detected bool
	version  protocol.Version

	next    *protocol.Message
	done    bool
	readErr error
}

// NewStream wraps r. Nothing is read until the first HasNext or Next.
func NewStream(r io.Reader, opts Options) (*Stream, error) {
	opts.setDefaults()
	schema := opts.Schema
	if schema == nil {
		var err error
		if schema, err = EnvelopeSchema(); err != nil {
			return nil, err
		}
	}
	return &Stream{
		opts:     opts,
		lines:    newLineReader(r, opts.MaxLineBytes),
		schema:   schema,
		detected: !opts.DetectVersion,
		version:  opts.Version,
	}, nil
}

// Version returns the protocol version lines are decoded with. When
// detection is enabled it is only meaningful after the first HasNext.
func (s *Stream) Version() protocol.Version {
	return s.version
}

// HasNext blocks until a message is available or the input is exhausted.
func (s *Stream) HasNext() bool {
	if s.next != nil {
		return true
	}
	if s.done {
		return false
	}
	if !s.detected {
		s.detectVersion()
	}
	for {
		line, err := s.lines.next()
		if err != nil {
			var over *oversizedLine
			if errors.As(err, &over) {
				s.opts.Logger.Error("dropping oversized connector line",
					log.Int("size", over.size), log.Int("max_size", s.opts.MaxLineBytes))
				continue
			}
			if !errors.Is(err, io.EOF) && s.readErr == nil {
				s.readErr = err
			}
			s.done = true
			return false
		}
		if msg, ok := s.decode(line); ok {
			s.next = &msg
			return true
		}
	}
}

// Next returns the next message. It returns io.EOF once the stream is
// exhausted.
func (s *Stream) Next() (protocol.Message, error) {
	if !s.HasNext() {
		if s.readErr != nil {
			return protocol.Message{}, s.readErr
		}
		return protocol.Message{}, io.EOF
	}
	msg := *s.next
	s.next = nil
	return msg, nil
}

// Err returns the first non-EOF read error, if any.
func (s *Stream) Err() error {
	return s.readErr
}

// decode runs one line through the pipeline. It reports false when the line
// is dropped.
func (s *Stream) decode(line []byte) (protocol.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return protocol.Message{}, false
	}

	if !json.Valid(line) {
		s.opts.Logger.Info(string(line))
		return protocol.Message{}, false
	}

	if err := s.schema.Validate(bytes.NewReader(line)); err != nil {
		s.opts.Logger.Error("validation failed for connector message",
			log.String("json", truncate(line)), log.Err(err))
		return protocol.Message{}, false
	}

	msg, err := s.opts.Registry.Upgrade(s.version, line)
	if err != nil {
		s.opts.Logger.Warn("failed to migrate connector message",
			log.String("version", s.version.String()), log.String("json", truncate(line)), log.Err(err))
		return protocol.Message{}, false
	}

	if msg.Type == protocol.TypeLog {
		s.logConnectorLine(msg.Log)
		return protocol.Message{}, false
	}

	if !s.opts.Accept.Contains(msg.Type) {
		s.opts.Logger.Debug("ignoring connector message of unexpected type", log.String("type", string(msg.Type)))
		return protocol.Message{}, false
	}
	return msg, true
}

func (s *Stream) logConnectorLine(l *protocol.LogMessage) {
	fields := []log.Field{}
	if l.StackTrace != "" {
		fields = append(fields, log.String("stack_trace", l.StackTrace))
	}
	log.Log(s.opts.Logger, levelOf(l.Level), l.Message, fields...)
}

func levelOf(l protocol.LogLevel) log.Level {
	switch l {
	case protocol.LogFatal, protocol.LogError:
		return log.LevelError
	case protocol.LogWarn:
		return log.LevelWarn
	case protocol.LogDebug, protocol.LogTrace:
		return log.LevelDebug
	default:
		return log.LevelInfo
	}
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedJSON {
		return string(b)
	}
	return string(b[:maxLoggedJSON]) + "...(truncated)"
}

var (
	envelopeOnce   sync.Once
	envelopeSchema *jsonschema.Schema
	envelopeErr    error
)

// EnvelopeSchema returns the compiled envelope schema shared by all streams.
func EnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(protocol.EnvelopeSchemaURL, bytes.NewReader(protocol.EnvelopeSchema)); err != nil {
			envelopeErr = err
			return
		}
		envelopeSchema, envelopeErr = c.Compile(protocol.EnvelopeSchemaURL)
	})
	return envelopeSchema, envelopeErr
}
