// Package recording starts and stops server-side recording for the active
// call's room, with readiness checks on both the local session and the
// remote room before a start request is ever put on the wire.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/call"
	"github.com/voxline/callcore/internal/metrics"
	"github.com/voxline/callcore/internal/signal"
)

const (
	evStartRecording   = "start-recording"
	evStopRecording    = "stop-recording"
	evRecordingStarted = "recording-started"
	evRecordingStopped = "recording-stopped"
	evRecordingFailed  = "recording-failed"
	evGetRoomProducers = "get-room-producers"
	evRoomProducers    = "room-producers"
	evDebugStatus      = "debug-status"
	evDebugStatusReply = "debug-status-response"
)

var (
	// ErrNoActiveSession: stop requested with no recording in progress.
	ErrNoActiveSession = errors.New("recording: no active session")
	// ErrOperationInFlight: a start or stop for this room has not
	// resolved yet; the caller must await it.
	ErrOperationInFlight = errors.New("recording: operation already in flight")
	// ErrAudioUnavailable: the call never reached a recordable state.
	ErrAudioUnavailable = errors.New("recording: local audio unavailable")
	// ErrNoProducer: the publish flow has not completed yet.
	ErrNoProducer = errors.New("recording: no local producer")
	// ErrRoomEmpty: the room never reported a producer within the poll
	// deadline.
	ErrRoomEmpty = errors.New("recording: no producers in room")
	// ErrCallEnded: the call was torn down while the start was still in
	// flight; any recording the server started has been asked to stop.
	ErrCallEnded = errors.New("recording: call ended during start")
)

// SessionState is the recording sub-state machine.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionStarting
	SessionActive
	SessionStopping
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStarting:
		return "starting"
	case SessionActive:
		return "active"
	case SessionStopping:
		return "stopping"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the recording session layered on top of the call.
type Session struct {
	RoomID      string
	State       SessionState
	RetryCount  int
	LastError   string
	DownloadURL string
	FileName    string
}

// Result is the typed outcome surfaced to the caller. Recording failures
// never end the call; Retryable tells the UI whether re-prompting makes
// sense.
type Result struct {
	OK          bool
	Retryable   bool
	Err         error
	DownloadURL string
	FileName    string
	FilePath    string
	Duration    float64
}

func failure(err error, retryable bool) Result {
	return Result{Retryable: retryable, Err: err}
}

// CallInfo exposes the live call snapshot.
type CallInfo interface {
	Snapshot() call.Snapshot
}

// Publisher reports the session's publish handle; "" means not published.
type Publisher interface {
	ProducerID() string
}

// Archiver optionally persists a finished recording given its download URL.
type Archiver interface {
	Archive(ctx context.Context, downloadURL, fileName string) error
}

// Config tunes the readiness checks and request deadlines. Zero values pick
// sane defaults.
type Config struct {
	LocalChecks        int
	LocalCheckInterval time.Duration
	RoomPollInterval   time.Duration
	RoomPollDeadline   time.Duration
	// RequestTimeout bounds the start/stop round-trips; generous because
	// the server-side encoder may need time to spin up or flush.
	RequestTimeout time.Duration
	DebugTimeout   time.Duration
}

func (c *Config) fillDefaults() {
	if c.LocalChecks <= 0 {
		c.LocalChecks = 10
	}
	if c.LocalCheckInterval <= 0 {
		c.LocalCheckInterval = 300 * time.Millisecond
	}
	if c.RoomPollInterval <= 0 {
		c.RoomPollInterval = 500 * time.Millisecond
	}
	if c.RoomPollDeadline <= 0 {
		c.RoomPollDeadline = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DebugTimeout <= 0 {
		c.DebugTimeout = 5 * time.Second
	}
}

// Orchestrator coordinates start/stop recording for one call at a time.
type Orchestrator struct {
	cfg       Config
	bus       signal.Bus
	calls     CallInfo
	publisher Publisher
	archiver  Archiver
	logger    *zap.Logger

	mu       sync.Mutex
	session  Session
	inFlight bool
	// gen is bumped by Shutdown so a start resolving afterwards knows its
	// call is gone and must not commit an active session.
	gen         uint64
	cancelStart context.CancelFunc
}

func NewOrchestrator(cfg Config, bus signal.Bus, calls CallInfo, publisher Publisher, logger *zap.Logger) *Orchestrator {
	cfg.fillDefaults()
	return &Orchestrator{
		cfg:       cfg,
		bus:       bus,
		calls:     calls,
		publisher: publisher,
		logger:    logger.Named("recording"),
	}
}

// SetArchiver wires optional post-stop archival.
func (o *Orchestrator) SetArchiver(a Archiver) { o.archiver = a }

// Session returns a copy of the current recording session.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Start requests server-side recording for the current call's room. It
// never emits start-recording until the local session is recordable and the
// room reports at least one producer.
func (o *Orchestrator) Start(ctx context.Context) Result {
	snap := o.calls.Snapshot()
	roomID := snap.RoomID

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return failure(ErrOperationInFlight, true)
	}
	if o.session.State == SessionActive || o.session.State == SessionStopping {
		o.mu.Unlock()
		return failure(fmt.Errorf("recording: session is %s", o.session.State), false)
	}
	o.inFlight = true
	o.session = Session{RoomID: roomID, State: SessionStarting, RetryCount: o.session.RetryCount}
	gen := o.gen
	sctx, cancel := context.WithCancel(ctx)
	o.cancelStart = cancel
	o.mu.Unlock()
	defer cancel()

	res := o.start(sctx, roomID)

	o.mu.Lock()
	o.inFlight = false
	o.cancelStart = nil
	if o.gen != gen {
		// The call ended while we were starting. Discard the result; if
		// the server did start a recording for the dead room, ask it to
		// stop, best effort.
		o.session = Session{}
		o.mu.Unlock()
		if res.OK {
			go o.stopOrphan(roomID)
		}
		metrics.RecordingRequests.WithLabelValues("start", "failed").Inc()
		return failure(ErrCallEnded, false)
	}
	if res.OK {
		o.session.State = SessionActive
		o.session.LastError = ""
	} else {
		o.session.State = SessionFailed
		o.session.RetryCount++
		if res.Err != nil {
			o.session.LastError = res.Err.Error()
		}
		if !res.Retryable {
			// Nothing more the caller can do; drop back to idle so a
			// later attempt under better conditions starts clean.
			o.session = Session{}
		}
	}
	o.mu.Unlock()

	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	metrics.RecordingRequests.WithLabelValues("start", outcome).Inc()
	return res
}

func (o *Orchestrator) start(ctx context.Context, roomID string) Result {
	// Local invariants: audio track, live peer connection.
	if err := o.awaitLocalAudio(ctx); err != nil {
		return failure(err, false)
	}

	// The publish hand-off must have completed; without a producer the
	// server has nothing to record. Retryable: it may simply not have
	// resolved yet.
	if o.publisher == nil || o.publisher.ProducerID() == "" {
		return failure(ErrNoProducer, true)
	}

	// The remote peer's own publish flow may lag; poll the room until it
	// reports at least one producer.
	if err := o.awaitRoomProducers(ctx, roomID); err != nil {
		retryable := errors.Is(err, ErrRoomEmpty) || errors.Is(err, signal.ErrTimeout)
		return failure(err, retryable)
	}

	reply, err := signal.Request(ctx, o.bus, signal.RequestSpec{
		Event:      evStartRecording,
		Payload:    map[string]string{"roomId": roomID},
		Reply:      evRecordingStarted,
		ErrorReply: evRecordingFailed,
		Timeout:    o.cfg.RequestTimeout,
	})
	if err != nil {
		retryable := errors.Is(err, signal.ErrTimeout)
		return failure(fmt.Errorf("recording: start request: %w", err), retryable)
	}
	if reply.Event == evRecordingFailed {
		return o.serverFailure(reply.Payload)
	}

	o.logger.Info("recording started", zap.String("room", roomID))
	return Result{OK: true}
}

// Stop requests the server finalize the recording. With no active session
// it returns ErrNoActiveSession without touching the socket.
func (o *Orchestrator) Stop(ctx context.Context) Result {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return failure(ErrOperationInFlight, true)
	}
	if o.session.State != SessionActive {
		o.mu.Unlock()
		return failure(ErrNoActiveSession, false)
	}
	roomID := o.session.RoomID
	o.inFlight = true
	o.session.State = SessionStopping
	o.mu.Unlock()

	res := o.stop(ctx, roomID)

	o.mu.Lock()
	o.inFlight = false
	if res.OK {
		o.session = Session{}
	} else {
		o.session.State = SessionFailed
		if res.Err != nil {
			o.session.LastError = res.Err.Error()
		}
	}
	o.mu.Unlock()

	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	metrics.RecordingRequests.WithLabelValues("stop", outcome).Inc()

	if res.OK && res.DownloadURL != "" && o.archiver != nil {
		// Archival is best effort and independent of the call.
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := o.archiver.Archive(actx, res.DownloadURL, res.FileName); err != nil {
				o.logger.Warn("archiving recording failed", zap.Error(err))
				metrics.RecordingsArchived.WithLabelValues("failed").Inc()
				return
			}
			metrics.RecordingsArchived.WithLabelValues("ok").Inc()
		}()
	}
	return res
}

func (o *Orchestrator) stop(ctx context.Context, roomID string) Result {
	reply, err := signal.Request(ctx, o.bus, signal.RequestSpec{
		Event:      evStopRecording,
		Payload:    map[string]string{"roomId": roomID},
		Reply:      evRecordingStopped,
		ErrorReply: evRecordingFailed,
		Timeout:    o.cfg.RequestTimeout,
	})
	if err != nil {
		retryable := errors.Is(err, signal.ErrTimeout)
		return failure(fmt.Errorf("recording: stop request: %w", err), retryable)
	}
	if reply.Event == evRecordingFailed {
		return o.serverFailure(reply.Payload)
	}

	var p struct {
		DownloadURL string  `json:"downloadUrl"`
		FileName    string  `json:"fileName"`
		FilePath    string  `json:"filePath"`
		Duration    float64 `json:"duration"`
	}
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		o.logger.Warn("unparseable recording-stopped payload", zap.Error(err))
	}

	o.logger.Info("recording stopped",
		zap.String("room", roomID),
		zap.String("file", p.FileName),
		zap.Float64("duration", p.Duration))
	return Result{
		OK:          true,
		DownloadURL: p.DownloadURL,
		FileName:    p.FileName,
		FilePath:    p.FilePath,
		Duration:    p.Duration,
	}
}

// stopOrphan tells the server to finalize a recording whose call is already
// gone. Nobody is waiting on the result.
func (o *Orchestrator) stopOrphan(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
	defer cancel()
	if res := o.stop(ctx, roomID); res.Err != nil {
		o.logger.Warn("orphaned recording stop failed",
			zap.String("room", roomID), zap.Error(res.Err))
	}
}

// Shutdown winds recording down on call end, best effort: an in-flight start
// is cancelled and its result discarded when it resolves.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.gen++
	if o.cancelStart != nil {
		o.cancelStart()
	}
	active := o.session.State == SessionActive
	o.mu.Unlock()
	if !active {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if res := o.Stop(sctx); res.Err != nil {
		o.logger.Warn("stop on call end failed", zap.Error(res.Err))
	}
	o.mu.Lock()
	o.session = Session{}
	o.mu.Unlock()
}

// DebugStatus asks the server for its recorder status for callID.
func (o *Orchestrator) DebugStatus(ctx context.Context, callID string) (string, error) {
	reply, err := signal.Request(ctx, o.bus, signal.RequestSpec{
		Event:   evDebugStatus,
		Payload: map[string]string{"callId": callID},
		Reply:   evDebugStatusReply,
		Timeout: o.cfg.DebugTimeout,
	})
	if err != nil {
		return "", err
	}
	var p struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return "", fmt.Errorf("recording: bad debug-status payload: %w", err)
	}
	if p.Error != "" {
		return "", errors.New(p.Error)
	}
	return p.Status, nil
}

// ---- readiness checks ----

func (o *Orchestrator) awaitLocalAudio(ctx context.Context) error {
	for i := 0; i < o.cfg.LocalChecks; i++ {
		snap := o.calls.Snapshot()
		if snap.HasLocalAudio && snap.State.Connected() && snap.PeerState.Live() {
			return nil
		}
		select {
		case <-time.After(o.cfg.LocalCheckInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrAudioUnavailable
}

func (o *Orchestrator) awaitRoomProducers(ctx context.Context, roomID string) error {
	deadline := time.Now().Add(o.cfg.RoomPollDeadline)
	for {
		count, err := o.roomProducers(ctx, roomID)
		if err != nil {
			o.logger.Debug("room producer poll failed", zap.Error(err))
		} else if count >= 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrRoomEmpty, roomID)
		}
		select {
		case <-time.After(o.cfg.RoomPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) roomProducers(ctx context.Context, roomID string) (int, error) {
	reply, err := signal.Request(ctx, o.bus, signal.RequestSpec{
		Event:   evGetRoomProducers,
		Payload: map[string]string{"roomId": roomID},
		Reply:   evRoomProducers,
		Match: func(payload json.RawMessage) bool {
			var p struct {
				CallID string `json:"callId"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				// Claim malformed replies too; the payload parse below
				// turns them into an error instead of a silent timeout.
				return true
			}
			// Older servers omit callId; accept those replies as ours.
			return p.CallID == "" || p.CallID == roomID
		},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return 0, err
	}
	var p struct {
		ProducersCount int `json:"producersCount"`
	}
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		return 0, fmt.Errorf("recording: bad room-producers payload: %w", err)
	}
	return p.ProducersCount, nil
}

func (o *Orchestrator) serverFailure(payload json.RawMessage) Result {
	var p struct {
		Error     string `json:"error"`
		Retryable *bool  `json:"retryable"`
		FileName  string `json:"fileName"`
		FilePath  string `json:"filePath"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return failure(fmt.Errorf("recording: unparseable failure: %s", payload), true)
	}
	retryable := true
	if p.Retryable != nil {
		retryable = *p.Retryable
	}
	res := failure(fmt.Errorf("recording: server: %s", p.Error), retryable)
	res.FileName = p.FileName
	res.FilePath = p.FilePath
	return res
}
