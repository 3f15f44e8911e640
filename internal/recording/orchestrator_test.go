package recording

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/call"
	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/signal/signaltest"
)

type fakeCalls struct {
	mu   sync.Mutex
	snap call.Snapshot
}

func (f *fakeCalls) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakePublisher struct{ id string }

func (f *fakePublisher) ProducerID() string { return f.id }

func connectedSnapshot() call.Snapshot {
	return call.Snapshot{
		State:         call.StateConnectedEstablished,
		RoomID:        "alice-bob",
		PeerState:     media.StateConnected,
		HasLocalAudio: true,
	}
}

func testConfig() Config {
	return Config{
		LocalChecks:        3,
		LocalCheckInterval: time.Millisecond,
		RoomPollInterval:   time.Millisecond,
		RoomPollDeadline:   100 * time.Millisecond,
		RequestTimeout:     time.Second,
	}
}

func newTestOrchestrator(t *testing.T, bus *signaltest.Bus, snap call.Snapshot, producerID string) (*Orchestrator, *fakeCalls) {
	t.Helper()
	calls := &fakeCalls{snap: snap}
	o := NewOrchestrator(testConfig(), bus, calls, &fakePublisher{id: producerID}, zap.NewNop())
	return o, calls
}

// scriptServer answers room producer polls and start/stop requests the way
// the recording server would.
func scriptServer(bus *signaltest.Bus, producersAfter int) {
	polls := 0
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetRoomProducers:
			polls++
			n := 0
			if polls >= producersAfter {
				n = 1
			}
			bus.Deliver(evRoomProducers, map[string]any{"producersCount": n})
		case evStartRecording:
			bus.Deliver(evRecordingStarted, map[string]string{"roomId": "alice-bob"})
		case evStopRecording:
			bus.Deliver(evRecordingStopped, map[string]any{
				"downloadUrl": "http://rec.example/files/alice-bob.webm",
				"fileName":    "alice-bob.webm",
				"duration":    12.5,
			})
		}
	})
}

func TestStartHappyPath(t *testing.T) {
	bus := signaltest.New()
	scriptServer(bus, 1)
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	res := o.Start(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.OK)
	assert.Equal(t, SessionActive, o.Session().State)
	assert.Len(t, bus.Events(evStartRecording), 1)

	// No reply listener may outlive the request.
	assert.Zero(t, bus.HandlerCount(evRecordingStarted))
	assert.Zero(t, bus.HandlerCount(evRecordingFailed))
	assert.Zero(t, bus.HandlerCount(evRoomProducers))
}

func TestStartWithoutProducerNeverEmits(t *testing.T) {
	bus := signaltest.New()
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "")

	res := o.Start(context.Background())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrNoProducer))
	assert.True(t, res.Retryable)
	assert.Empty(t, bus.Events(), "no socket traffic before the publish flow resolves")
}

func TestStartWithoutAudioIsNotRetryable(t *testing.T) {
	bus := signaltest.New()
	o, _ := newTestOrchestrator(t, bus, call.Snapshot{State: call.StateCalling}, "producer-1")

	res := o.Start(context.Background())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrAudioUnavailable))
	assert.False(t, res.Retryable)
	assert.Empty(t, bus.Events())
}

func TestStartWaitsForRoomProducers(t *testing.T) {
	bus := signaltest.New()
	scriptServer(bus, 3) // first two polls report an empty room
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	res := o.Start(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, len(bus.Events(evGetRoomProducers)), 3)
}

func TestStartRoomNeverPopulatesIsRetryable(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, payload json.RawMessage) {
		if event == evGetRoomProducers {
			bus.Deliver(evRoomProducers, map[string]any{"producersCount": 0})
		}
	})
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	res := o.Start(context.Background())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrRoomEmpty))
	assert.True(t, res.Retryable)
	assert.Empty(t, bus.Events(evStartRecording))
}

func TestStartServerFailureCarriesRetryableFlag(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetRoomProducers:
			bus.Deliver(evRoomProducers, map[string]any{"producersCount": 2})
		case evStartRecording:
			bus.Deliver(evRecordingFailed, map[string]any{
				"error":     "encoder unavailable",
				"retryable": false,
			})
		}
	})
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	res := o.Start(context.Background())
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "encoder unavailable")
	assert.False(t, res.Retryable)
	// Non-retryable failures reset the session so a fresh attempt starts
	// clean later.
	assert.Equal(t, SessionIdle, o.Session().State)
}

func TestStopWithoutActiveSession(t *testing.T) {
	bus := signaltest.New()
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	res := o.Stop(context.Background())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrNoActiveSession))
	assert.Empty(t, bus.Events(), "stop with no session must not touch the socket")
}

func TestStopCapturesRecordingMetadata(t *testing.T) {
	bus := signaltest.New()
	scriptServer(bus, 1)
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	require.NoError(t, o.Start(context.Background()).Err)

	res := o.Stop(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.OK)
	assert.Equal(t, "http://rec.example/files/alice-bob.webm", res.DownloadURL)
	assert.Equal(t, "alice-bob.webm", res.FileName)
	assert.Equal(t, 12.5, res.Duration)
	assert.Equal(t, SessionIdle, o.Session().State)
	assert.Zero(t, bus.HandlerCount(evRecordingStopped))
	assert.Zero(t, bus.HandlerCount(evRecordingFailed))
}

type recordedArchive struct {
	mu  sync.Mutex
	url string
	ch  chan struct{}
}

func (a *recordedArchive) Archive(_ context.Context, downloadURL, _ string) error {
	a.mu.Lock()
	a.url = downloadURL
	a.mu.Unlock()
	close(a.ch)
	return nil
}

func TestStopTriggersArchival(t *testing.T) {
	bus := signaltest.New()
	scriptServer(bus, 1)
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")
	arch := &recordedArchive{ch: make(chan struct{})}
	o.SetArchiver(arch)

	require.NoError(t, o.Start(context.Background()).Err)
	require.NoError(t, o.Stop(context.Background()).Err)

	select {
	case <-arch.ch:
	case <-time.After(time.Second):
		t.Fatal("archiver was never invoked")
	}
	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, "http://rec.example/files/alice-bob.webm", arch.url)
}

func TestShutdownStopsActiveSession(t *testing.T) {
	bus := signaltest.New()
	scriptServer(bus, 1)
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	require.NoError(t, o.Start(context.Background()).Err)
	o.Shutdown(context.Background())

	assert.Len(t, bus.Events(evStopRecording), 1)
	assert.Equal(t, SessionIdle, o.Session().State)
}

func TestShutdownIdleIsSilent(t *testing.T) {
	bus := signaltest.New()
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	o.Shutdown(context.Background())
	assert.Empty(t, bus.Events())
}

func TestShutdownDuringStartDiscardsResult(t *testing.T) {
	bus := signaltest.New()
	startEmitted := make(chan struct{})
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetRoomProducers:
			bus.Deliver(evRoomProducers, map[string]any{"producersCount": 1})
		case evStartRecording:
			// Leave the request hanging; the call ends before the server
			// gets around to answering.
			close(startEmitted)
		}
	})
	o, _ := newTestOrchestrator(t, bus, connectedSnapshot(), "producer-1")

	results := make(chan Result, 1)
	go func() { results <- o.Start(context.Background()) }()

	select {
	case <-startEmitted:
	case <-time.After(time.Second):
		t.Fatal("start-recording was never emitted")
	}
	o.Shutdown(context.Background())

	var res Result
	select {
	case res = <-results:
	case <-time.After(time.Second):
		t.Fatal("start never resolved after shutdown")
	}
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrCallEnded))
	assert.False(t, res.Retryable)

	// A reply straggling in after the call ended must not resurrect an
	// active session.
	bus.Deliver(evRecordingStarted, map[string]string{"roomId": "alice-bob"})
	assert.Equal(t, SessionIdle, o.Session().State)
}
