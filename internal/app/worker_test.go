package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/connbridge/internal/connector"
	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/internal/heartbeat"
	"github.com/bft-labs/connbridge/internal/tracker"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

func record(stream, data string) protocol.Message {
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

func configControl(config string) protocol.Message {
	return protocol.Message{Type: protocol.TypeControl, Control: &protocol.ControlMessage{
		Type:            protocol.ControlTypeConnectorConfig,
		ConnectorConfig: &protocol.ControlConnectorConfig{Config: json.RawMessage(config)},
	}}
}

// fakeSource replays msgs, beating the monitor on each read. With hang set
// it blocks after the last message until cancelled.
type fakeSource struct {
	msgs     []protocol.Message
	hang     bool
	beat     bool
	startErr error
	closeErr error
	monitor  *heartbeat.Monitor

	mu        sync.Mutex
	next      int
	started   chan struct{}
	killed    chan struct{}
	killOnce  sync.Once
	cancelled atomic.Bool
	closed    atomic.Bool
}

func newFakeSource(monitor *heartbeat.Monitor, msgs ...protocol.Message) *fakeSource {
	return &fakeSource{
		msgs:    msgs,
		beat:    true,
		monitor: monitor,
		started: make(chan struct{}),
		killed:  make(chan struct{}),
	}
}

func (s *fakeSource) Start(context.Context, connector.SourceConfig, string) error {
	if s.startErr != nil {
		return s.startErr
	}
	close(s.started)
	return nil
}

func (s *fakeSource) IsFinished() bool {
	s.mu.Lock()
	drained := s.next >= len(s.msgs)
	s.mu.Unlock()
	if !drained {
		return false
	}
	if !s.hang {
		return true
	}
	select {
	case <-s.killed:
		return true
	default:
		return false
	}
}

func (s *fakeSource) AttemptRead() (protocol.Message, bool, error) {
	s.mu.Lock()
	if s.next < len(s.msgs) {
		msg := s.msgs[s.next]
		s.next++
		s.mu.Unlock()
		if s.beat {
			s.monitor.Beat()
		}
		return msg, true, nil
	}
	s.mu.Unlock()
	if s.hang {
		<-s.killed
	}
	return protocol.Message{}, false, nil
}

func (s *fakeSource) ExitValue() (int, error) { return 0, nil }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	if s.cancelled.Load() {
		return nil
	}
	return s.closeErr
}

func (s *fakeSource) Cancel() error {
	s.cancelled.Store(true)
	s.killOnce.Do(func() { close(s.killed) })
	return nil
}

// fakeDestination echoes every STATE it accepts, like a destination that
// commits each checkpoint immediately.
type fakeDestination struct {
	startErr error
	emit     []protocol.Message
	// stuck makes Accept block until the destination is killed, like a
	// destination that stopped draining its stdin.
	stuck bool

	out       chan protocol.Message
	inMu      sync.Mutex
	inClosed  bool
	killed    chan struct{}
	killOnce  sync.Once
	finished  atomic.Bool
	cancelled atomic.Bool
	accepted  atomic.Int64
}

func newFakeDestination(emit ...protocol.Message) *fakeDestination {
	return &fakeDestination{
		emit:   emit,
		out:    make(chan protocol.Message, 1024),
		killed: make(chan struct{}),
	}
}

func (d *fakeDestination) Start(context.Context, connector.DestinationConfig, string) error {
	if d.startErr != nil {
		return d.startErr
	}
	for _, m := range d.emit {
		d.out <- m
	}
	return nil
}

func (d *fakeDestination) Accept(msg protocol.Message) error {
	if d.stuck {
		<-d.killed
		return errors.New("write |1: broken pipe")
	}
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if d.inClosed {
		return domain.ErrInputClosed
	}
	d.accepted.Add(1)
	if msg.Type == protocol.TypeState {
		d.out <- msg
	}
	return nil
}

func (d *fakeDestination) NotifyEndOfInput() error {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if d.inClosed {
		return domain.ErrInputClosed
	}
	d.inClosed = true
	close(d.out)
	return nil
}

func (d *fakeDestination) IsFinished() bool { return d.finished.Load() }

func (d *fakeDestination) AttemptRead() (protocol.Message, bool, error) {
	select {
	case msg, ok := <-d.out:
		if !ok {
			d.finished.Store(true)
			return protocol.Message{}, false, nil
		}
		return msg, true, nil
	case <-d.killed:
		d.finished.Store(true)
		return protocol.Message{}, false, nil
	}
}

func (d *fakeDestination) ExitValue() (int, error) { return 0, nil }
func (d *fakeDestination) Close() error            { return nil }

func (d *fakeDestination) Cancel() error {
	d.cancelled.Store(true)
	d.killOnce.Do(func() { close(d.killed) })
	return nil
}

type memoryRepo struct {
	mu    sync.Mutex
	saved []domain.ReplicationOutput
}

func (r *memoryRepo) Load(_ context.Context, id string) (domain.ReplicationOutput, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.saved) - 1; i >= 0; i-- {
		if r.saved[i].ConnectionID == id {
			return r.saved[i], true, nil
		}
	}
	return domain.ReplicationOutput{}, false, nil
}

func (r *memoryRepo) Save(_ context.Context, out domain.ReplicationOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, out)
	return nil
}

type configUpdate struct {
	connectionID string
	origin       domain.Origin
	config       string
}

type recordingUpdater struct {
	mu      sync.Mutex
	updates []configUpdate
}

func (u *recordingUpdater) UpdateConfig(_ context.Context, id string, origin domain.Origin, config json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, configUpdate{id, origin, string(config)})
	return nil
}

type workerFixture struct {
	source      *fakeSource
	destination *fakeDestination
	monitor     *heartbeat.Monitor
	repo        *memoryRepo
	updater     *recordingUpdater
	config      WorkerConfig
}

func newFixture(msgs ...protocol.Message) *workerFixture {
	monitor := heartbeat.NewMonitor(time.Hour, nil)
	return &workerFixture{
		source:      newFakeSource(monitor, msgs...),
		destination: newFakeDestination(),
		monitor:     monitor,
		repo:        &memoryRepo{},
		updater:     &recordingUpdater{},
		config: WorkerConfig{
			Heartbeat: heartbeat.ChaperoneConfig{PollInterval: 10 * time.Millisecond},
		},
	}
}

func (f *workerFixture) worker() *ReplicationWorker {
	return NewReplicationWorker(f.config, f.source, f.destination,
		tracker.New(tracker.DefaultConfig(), nil), f.monitor, f.updater, f.repo, &mockLogger{})
}

func input() SyncInput {
	return SyncInput{ConnectionID: "conn-1", JobID: 7, Attempt: 1}
}

func TestReplicationWorker_Completed(t *testing.T) {
	f := newFixture(
		record("users", `{"id":1}`),
		record("users", `{"id":2}`),
		configControl(`{"token":"new"}`),
		record("users", `{"id":3}`),
		legacyState(`{"cursor":3}`),
	)
	w := f.worker()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Empty(t, out.Failures)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, int64(3), out.Totals.RecordsEmitted)
	require.NotNil(t, out.Totals.RecordsCommitted)
	assert.Equal(t, int64(3), *out.Totals.RecordsCommitted)
	require.Len(t, out.Streams, 1)
	assert.Equal(t, "users", out.Streams[0].Stream.Name)
	require.NotNil(t, out.Streams[0].Stats.RecordsCommitted)
	assert.Equal(t, int64(3), *out.Streams[0].Stats.RecordsCommitted)

	require.NotNil(t, out.SourceState)
	require.NotNil(t, out.DestinationState)
	assert.JSONEq(t, `{"cursor":3}`, string(out.DestinationState.Messages[0].Data))

	assert.Equal(t, int64(4), f.destination.accepted.Load(), "records and state are forwarded, control is not")
	assert.True(t, f.source.closed.Load())
	assert.Equal(t, StateCompleted, w.State())

	require.Len(t, f.updater.updates, 1)
	assert.Equal(t, configUpdate{"conn-1", domain.OriginSource, `{"token":"new"}`}, f.updater.updates[0])

	require.Len(t, f.repo.saved, 1)
	assert.Equal(t, out.RunID, f.repo.saved[0].RunID)
}

func TestReplicationWorker_DestinationControl(t *testing.T) {
	f := newFixture(record("users", `{}`))
	f.destination = newFakeDestination(configControl(`{"dst":true}`))

	out, err := f.worker().Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, out.Status)
	require.Len(t, f.updater.updates, 1)
	assert.Equal(t, domain.OriginDestination, f.updater.updates[0].origin)
}

func TestReplicationWorker_SourceExitFailure(t *testing.T) {
	f := newFixture(record("users", `{"id":1}`), legacyState(`{"cursor":1}`))
	f.source.closeErr = &connector.ExitError{Connector: "source", Code: 3}
	w := f.worker()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, domain.OriginSource, out.Failures[0].Origin)
	assert.Equal(t, int64(7), out.Failures[0].JobID)
	assert.Contains(t, out.Failures[0].InternalMessage, "exited with code 3")
	assert.Equal(t, StateFailed, w.State())
	assert.True(t, f.destination.cancelled.Load(), "destination is cancelled when the source fails")
}

func TestReplicationWorker_ConnectorErrorTrace(t *testing.T) {
	trace := protocol.Message{Type: protocol.TypeTrace, Trace: &protocol.TraceMessage{
		Type:      protocol.TraceError,
		EmittedAt: 1000,
		Error:     &protocol.ErrorTraceMessage{Message: "bad credentials", FailureType: protocol.FailureConfigError},
	}}
	f := newFixture(record("users", `{}`), trace)

	out, err := f.worker().Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	require.Len(t, out.Failures, 1)
	assert.True(t, out.Failures[0].FromTrace)
	assert.Equal(t, "bad credentials", out.Failures[0].Message)
	assert.Equal(t, protocol.FailureConfigError, out.Failures[0].Type)
}

func TestReplicationWorker_HeartbeatLost(t *testing.T) {
	f := newFixture()
	f.monitor = heartbeat.NewMonitor(30*time.Millisecond, nil)
	f.source = newFakeSource(f.monitor, record("users", `{}`))
	f.source.hang = true
	w := f.worker()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, domain.OriginHeartbeat, out.Failures[0].Origin)
	assert.True(t, f.source.cancelled.Load())
	require.NotNil(t, out.Totals.RecordsCommitted)
	assert.Zero(t, *out.Totals.RecordsCommitted, "no state was committed")
}

func TestReplicationWorker_HeartbeatLostWhileDestinationStuck(t *testing.T) {
	f := newFixture()
	f.monitor = heartbeat.NewMonitor(50*time.Millisecond, nil)
	f.source = newFakeSource(f.monitor, record("users", `{"id":1}`))
	f.source.hang = true
	f.destination.stuck = true
	f.config.Heartbeat.FailOnHeartbeatLoss = heartbeat.StaticSwitch(true)
	w := f.worker()

	type result struct {
		out *domain.ReplicationOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := w.Run(context.Background(), input(), t.TempDir())
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the heartbeat was lost")
	}
	require.NoError(t, res.err)

	assert.Equal(t, domain.StatusFailed, res.out.Status)
	require.Len(t, res.out.Failures, 1)
	assert.Equal(t, domain.OriginHeartbeat, res.out.Failures[0].Origin)
	assert.True(t, f.source.cancelled.Load())
	assert.True(t, f.destination.cancelled.Load(), "destination is killed to release the blocked write")
}

func TestReplicationWorker_HeartbeatLossIgnoredWhenDisabled(t *testing.T) {
	monitor := heartbeat.NewMonitor(20*time.Millisecond, nil)
	f := newFixture()
	f.monitor = monitor
	f.source = newFakeSource(monitor, record("users", `{}`))
	f.source.hang = true
	f.config.Heartbeat.FailOnHeartbeatLoss = heartbeat.StaticSwitch(false)
	w := f.worker()

	go func() {
		<-f.source.started
		time.Sleep(100 * time.Millisecond)
		w.Cancel()
	}()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, out.Status)
	assert.Empty(t, out.Failures)
}

func TestReplicationWorker_Cancel(t *testing.T) {
	f := newFixture(record("users", `{}`))
	f.source.hang = true
	w := f.worker()

	go func() {
		<-f.source.started
		w.Cancel()
	}()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, out.Status)
	assert.Empty(t, out.Failures)
	assert.Equal(t, StateCancelled, w.State())
	assert.True(t, f.destination.cancelled.Load())
	require.Len(t, f.repo.saved, 1)
	assert.Equal(t, domain.StatusCancelled, f.repo.saved[0].Status)
}

func TestReplicationWorker_ParentContextCancelled(t *testing.T) {
	f := newFixture(record("users", `{}`))
	f.source.hang = true
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-f.source.started
		cancel()
	}()

	out, err := f.worker().Run(ctx, input(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, out.Status)
}

func TestReplicationWorker_DestinationStartFailure(t *testing.T) {
	f := newFixture(record("users", `{}`))
	f.destination.startErr = errors.New("image not found")
	w := f.worker()

	out, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, domain.OriginDestination, out.Failures[0].Origin)
	assert.Equal(t, StateFailed, w.State())

	select {
	case <-f.source.started:
		t.Error("source started although the destination failed")
	default:
	}
}

func TestReplicationWorker_RunsOnce(t *testing.T) {
	f := newFixture()
	w := f.worker()

	_, err := w.Run(context.Background(), input(), t.TempDir())
	require.NoError(t, err)

	_, err = w.Run(context.Background(), input(), t.TempDir())
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}
