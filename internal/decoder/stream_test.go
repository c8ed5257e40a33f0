package decoder

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

type logEntry struct {
	level log.Level
	msg   string
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) add(level log.Level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level, msg})
}

func (c *captureLogger) Debug(msg string, fields ...log.Field) { c.add(log.LevelDebug, msg) }
func (c *captureLogger) Info(msg string, fields ...log.Field)  { c.add(log.LevelInfo, msg) }
func (c *captureLogger) Warn(msg string, fields ...log.Field)  { c.add(log.LevelWarn, msg) }
func (c *captureLogger) Error(msg string, fields ...log.Field) { c.add(log.LevelError, msg) }

func (c *captureLogger) has(level log.Level, substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			return true
		}
	}
	return false
}

func drain(t *testing.T, s *Stream) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for s.HasNext() {
		msg, err := s.Next()
		require.NoError(t, err)
		out = append(out, msg)
	}
	_, err := s.Next()
	require.ErrorIs(t, err, io.EOF)
	return out
}

func lines(l ...string) io.Reader {
	return strings.NewReader(strings.Join(l, "\n") + "\n")
}

const (
	recordLine = `{"type":"RECORD","record":{"stream":"orders","data":{"id":1},"emitted_at":10}}`
	stateLine  = `{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"orders"},"stream_state":{"cursor":5}}}}`
	traceLine  = `{"type":"TRACE","trace":{"type":"ERROR","emitted_at":1.0,"error":{"message":"boom"}}}`
)

func TestStream_DecodesValidMessages(t *testing.T) {
	s, err := NewStream(lines(recordLine, stateLine, traceLine), Options{})
	require.NoError(t, err)

	msgs := drain(t, s)
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.TypeRecord, msgs[0].Type)
	assert.Equal(t, "orders", msgs[0].Record.Stream)
	assert.JSONEq(t, `{"id":1}`, string(msgs[0].Record.Data))
	assert.Equal(t, protocol.StateStream, msgs[1].State.StateType())
	assert.Equal(t, "boom", msgs[2].Trace.Error.Message)
	assert.NoError(t, s.Err())
}

func TestStream_RoundTrip(t *testing.T) {
	s, err := NewStream(lines(recordLine, stateLine), Options{})
	require.NoError(t, err)

	msgs := drain(t, s)
	require.Len(t, msgs, 2)
	for i, want := range []string{recordLine, stateLine} {
		b, err := json.Marshal(msgs[i])
		require.NoError(t, err)
		assert.JSONEq(t, want, string(b))
	}
}

func TestStream_DropsNonJSONAsChatter(t *testing.T) {
	logger := &captureLogger{}
	s, err := NewStream(lines("starting connector...", recordLine, ""), Options{Logger: logger})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Len(t, msgs, 1)
	assert.True(t, logger.has(log.LevelInfo, "starting connector..."))
}

func TestStream_DropsSchemaInvalid(t *testing.T) {
	logger := &captureLogger{}
	s, err := NewStream(lines(
		`{"type":"RECORD"}`,
		`{"type":"NOPE"}`,
		`{"record":{"stream":"x","data":{}}}`,
		`42`,
		recordLine,
	), Options{Logger: logger})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Len(t, msgs, 1)
	assert.True(t, logger.has(log.LevelError, "validation failed"))
}

func TestStream_RoutesLogMessages(t *testing.T) {
	logger := &captureLogger{}
	s, err := NewStream(lines(
		`{"type":"LOG","log":{"level":"FATAL","message":"fatal msg"}}`,
		`{"type":"LOG","log":{"level":"WARN","message":"warn msg"}}`,
		`{"type":"LOG","log":{"level":"INFO","message":"info msg"}}`,
		`{"type":"LOG","log":{"level":"TRACE","message":"trace msg"}}`,
	), Options{Logger: logger})
	require.NoError(t, err)

	assert.Empty(t, drain(t, s))
	assert.True(t, logger.has(log.LevelError, "fatal msg"))
	assert.True(t, logger.has(log.LevelWarn, "warn msg"))
	assert.True(t, logger.has(log.LevelInfo, "info msg"))
	assert.True(t, logger.has(log.LevelDebug, "trace msg"))
}

func TestStream_FiltersTypes(t *testing.T) {
	s, err := NewStream(lines(recordLine, stateLine, traceLine), Options{
		Accept: protocol.NewTypeSet(protocol.TypeState, protocol.TypeTrace),
	})
	require.NoError(t, err)

	msgs := drain(t, s)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeState, msgs[0].Type)
	assert.Equal(t, protocol.TypeTrace, msgs[1].Type)
}

func TestStream_DropsOversizedLines(t *testing.T) {
	logger := &captureLogger{}
	big := `{"type":"RECORD","record":{"stream":"orders","data":{"blob":"` + strings.Repeat("x", 4096) + `"}}}`
	s, err := NewStream(lines(big, recordLine), Options{Logger: logger, MaxLineBytes: 1024})
	require.NoError(t, err)

	msgs := drain(t, s)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"id":1}`, string(msgs[0].Record.Data))
	assert.True(t, logger.has(log.LevelError, "oversized"))
}

func TestStream_LastLineWithoutNewline(t *testing.T) {
	s, err := NewStream(strings.NewReader(recordLine), Options{})
	require.NoError(t, err)
	assert.Len(t, drain(t, s), 1)
}

func TestStream_ReadErrorIsReported(t *testing.T) {
	readErr := errors.New("pipe broken")
	s, err := NewStream(io.MultiReader(lines(recordLine), iotest.ErrReader(readErr)), Options{})
	require.NoError(t, err)

	require.True(t, s.HasNext())
	_, err = s.Next()
	require.NoError(t, err)
	assert.False(t, s.HasNext())
	assert.ErrorIs(t, s.Err(), readErr)
	_, err = s.Next()
	assert.ErrorIs(t, err, readErr)
}

// flakyReader returns data, then err once, then io.EOF.
type flakyReader struct {
	data  []byte
	err   error
	calls int
}

func (r *flakyReader) Read(p []byte) (int, error) {
	r.calls++
	switch r.calls {
	case 1:
		return copy(p, r.data), nil
	case 2:
		return 0, r.err
	default:
		return 0, io.EOF
	}
}

func TestStream_ReadErrorDuringDetectionIsReported(t *testing.T) {
	readErr := errors.New("pipe broken")
	r := &flakyReader{data: []byte(recordLine + "\n"), err: readErr}
	s, err := NewStream(r, Options{DetectVersion: true})
	require.NoError(t, err)

	require.True(t, s.HasNext())
	_, err = s.Next()
	require.NoError(t, err)
	assert.False(t, s.HasNext())
	assert.ErrorIs(t, s.Err(), readErr)
	_, err = s.Next()
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, protocol.FallbackVersion, s.Version())
}

func TestStream_DetectsDeclaredVersion(t *testing.T) {
	spec := `{"type":"SPEC","spec":{"protocol_version":"1.0.0","connectionSpecification":{}}}`
	s, err := NewStream(lines(spec, recordLine), Options{DetectVersion: true})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Equal(t, protocol.CurrentVersion, s.Version())
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeSpec, msgs[0].Type)
	// 1.0.0 records are not migrated.
	assert.JSONEq(t, `{"id":1}`, string(msgs[1].Record.Data))
}

func TestStream_DetectionFallsBackAndMigrates(t *testing.T) {
	s, err := NewStream(lines(recordLine), Options{DetectVersion: true})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Equal(t, protocol.FallbackVersion, s.Version())
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"id":"1"}`, string(msgs[0].Record.Data))
}

func TestStream_DetectionRespectsLookahead(t *testing.T) {
	spec := `{"type":"SPEC","spec":{"protocol_version":"1.0.0"}}`
	s, err := NewStream(lines(recordLine, recordLine, spec), Options{DetectVersion: true, DetectionLookahead: 2})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Equal(t, protocol.FallbackVersion, s.Version())
	assert.Len(t, msgs, 3)
}

func TestStream_DetectionRespectsBufferLimit(t *testing.T) {
	spec := `{"type":"SPEC","spec":{"protocol_version":"1.0.0"}}`
	s, err := NewStream(lines(recordLine, spec), Options{DetectVersion: true, DetectionBufferBytes: 16})
	require.NoError(t, err)

	msgs := drain(t, s)
	assert.Equal(t, protocol.FallbackVersion, s.Version())
	assert.Len(t, msgs, 2)
}

func TestSpecVersion(t *testing.T) {
	tests := []struct {
		line string
		want protocol.Version
		ok   bool
	}{
		{`{"type":"SPEC","spec":{"protocol_version":"0.3.1"}}`, protocol.Version{Major: 0, Minor: 3, Patch: 1}, true},
		{`{"type":"SPEC","spec":{}}`, protocol.Version{}, false},
		{`{"type":"RECORD","spec":{"protocol_version":"1.0.0"}}`, protocol.Version{}, false},
		{`{"type":"SPEC","spec":{"protocol_version":"x"}}`, protocol.Version{}, false},
		{`not json`, protocol.Version{}, false},
	}
	for _, tt := range tests {
		got, ok := specVersion([]byte(tt.line))
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}
