package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/metrics"
	"github.com/voxline/callcore/internal/rooms"
	"github.com/voxline/callcore/internal/signal"
)

var (
	// ErrBusy: a call is already in progress.
	ErrBusy = errors.New("call: another call is active")
	// ErrNoIncomingCall: answer/reject invoked with nothing to act on.
	ErrNoIncomingCall = errors.New("call: no incoming call")
	// ErrNoActiveCall: end/toggle invoked while idle.
	ErrNoActiveCall = errors.New("call: no active call")
)

const (
	defaultGraceDelay   = 1500 * time.Millisecond
	defaultPublishDelay = 2 * time.Second
)

// Publisher pushes the local audio track to the media server once the call
// connects. Implemented by producer.Manager.
type Publisher interface {
	Publish(ctx context.Context, roomID string, track media.Track) error
	Close() error
}

// Recorder is asked to wind down server-side recording before the call's
// resources are released. Implemented by recording.Orchestrator.
type Recorder interface {
	Shutdown(ctx context.Context)
}

// Config tunes the machine. Zero values pick the defaults.
type Config struct {
	// LocalID identifies this client on the signaling channel.
	LocalID string
	// GraceDelay between ended and idle, giving the UI time to show the
	// end-of-call state before the machine accepts a new call.
	GraceDelay time.Duration
	// PublishDelay before handing off to the Publisher after connect, so
	// the freshly negotiated connection can stabilize.
	PublishDelay time.Duration
}

// Machine drives the call session. One machine handles one session at a
// time; a new call is accepted only from idle or ended.
type Machine struct {
	cfg    Config
	bus    signal.Bus
	engine media.Engine
	logger *zap.Logger

	mu           sync.Mutex
	session      *Session
	peer         media.PeerConnection
	localMedia   media.LocalMedia
	pendingOffer *media.SessionDescription
	candidates   *CandidateBuffer

	answering atomic.Bool
	ending    atomic.Bool

	publisher Publisher
	recorder  Recorder

	events chan Event
	offs   []func()

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMachine(cfg Config, bus signal.Bus, engine media.Engine, logger *zap.Logger) *Machine {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = defaultGraceDelay
	}
	if cfg.PublishDelay <= 0 {
		cfg.PublishDelay = defaultPublishDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:        cfg,
		bus:        bus,
		engine:     engine,
		logger:     logger.Named("call"),
		candidates: NewCandidateBuffer(),
		events:     make(chan Event, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetPublisher wires the post-connect publish hand-off.
func (m *Machine) SetPublisher(p Publisher) { m.publisher = p }

// SetRecorder wires the recording collaborator consulted on teardown.
func (m *Machine) SetRecorder(r Recorder) { m.recorder = r }

// Events is the machine's notification stream.
func (m *Machine) Events() <-chan Event { return m.events }

// Start subscribes the machine to its signaling events.
//
// Events that end the call are handed off the dispatch goroutine: teardown
// performs its own signaling round trips (the recording stop), and handling
// it inline would block the socket read loop against its own reply.
func (m *Machine) Start() {
	m.offs = append(m.offs,
		m.bus.On(evNewCall, m.handleNewCall),
		m.bus.On(evCallAnswered, m.handleCallAnswered),
		m.bus.On(evICECandidate, m.handleRemoteCandidate),
		m.bus.On(evUserLeft, func(json.RawMessage) { go m.endFromRemote("remote-left") }),
		m.bus.On(evCallRejected, m.handleCallRejected),
		m.bus.On(evError, m.logServerError("server error")),
		m.bus.On(evProduceError, m.logServerError("produce error")),
	)
}

// Close unsubscribes and stops background work. It does not end an active
// call; call EndCall first for a clean hangup.
func (m *Machine) Close() {
	m.cancel()
	for _, off := range m.offs {
		off()
	}
	m.offs = nil
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return StateIdle
	}
	return m.session.State
}

// Snapshot hands collaborators a read-only view of the session.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{State: StateIdle}
	if m.session == nil {
		return snap
	}
	snap = Snapshot{
		ID:       m.session.ID,
		LocalID:  m.session.LocalID,
		RemoteID: m.session.RemoteID,
		Role:     m.session.Role,
		Media:    m.session.Media,
		State:    m.session.State,
		RoomID:   m.session.RoomID(),
	}
	if m.peer != nil {
		snap.PeerState = m.peer.State()
	}
	if m.localMedia != nil && m.localMedia.AudioTrack() != nil {
		snap.HasLocalAudio = true
	}
	return snap
}

// MakeCall places an outgoing call: local media, peer connection, offer,
// then the call event to the signaling server.
func (m *Machine) MakeCall(ctx context.Context, target string, video bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.State != StateIdle && m.session.State != StateEnded {
		return ErrBusy
	}

	kind := KindAudio
	if video {
		kind = KindVideo
	}
	if err := m.ensureLocalMediaLocked(ctx, video); err != nil {
		return err
	}
	if err := m.ensurePeerLocked(target); err != nil {
		return err
	}

	offer, err := m.peer.CreateOffer(ctx)
	if err != nil {
		m.releaseMediaLocked()
		return err
	}
	if err := m.peer.SetLocalDescription(offer); err != nil {
		m.releaseMediaLocked()
		return err
	}

	m.session = &Session{
		ID:        uuid.NewString(),
		LocalID:   m.cfg.LocalID,
		RemoteID:  target,
		Role:      RoleCaller,
		Media:     kind,
		State:     StateCalling,
		CreatedAt: time.Now(),
	}
	m.ending.Store(false)

	if err := m.bus.Emit(evCall, callPayload{
		CalleeID:   target,
		CallType:   kind.String(),
		RTCMessage: offer,
	}); err != nil {
		m.releaseAllLocked()
		m.session = nil
		return err
	}

	metrics.CallsStarted.WithLabelValues(RoleCaller.String()).Inc()
	m.logger.Info("outgoing call",
		zap.String("target", target),
		zap.String("media", kind.String()))
	return nil
}

// AnswerCall accepts the pending incoming call. A second invocation while
// the first is still answering is a no-op, so only one SDP answer can ever
// hit the wire.
func (m *Machine) AnswerCall(ctx context.Context) error {
	if !m.answering.CompareAndSwap(false, true) {
		m.logger.Debug("answer already in progress, ignoring")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateIncoming || m.pendingOffer == nil {
		m.answering.Store(false)
		return ErrNoIncomingCall
	}

	video := m.session.Media == KindVideo
	if err := m.ensureLocalMediaLocked(ctx, video); err != nil {
		m.answering.Store(false)
		return err
	}
	if err := m.ensurePeerLocked(m.session.RemoteID); err != nil {
		m.answering.Store(false)
		return err
	}

	// Remote description first, then the buffered candidates, in that
	// order. Nothing may touch the transport in between.
	if err := m.peer.SetRemoteDescription(*m.pendingOffer); err != nil {
		m.answering.Store(false)
		return err
	}
	if n, err := m.candidates.Flush(m.peer.AddICECandidate); err != nil {
		m.logger.Warn("some buffered candidates failed", zap.Int("applied", n), zap.Error(err))
	}

	answer, err := m.peer.CreateAnswer(ctx)
	if err != nil {
		m.answering.Store(false)
		return err
	}
	if err := m.peer.SetLocalDescription(answer); err != nil {
		m.answering.Store(false)
		return err
	}
	if err := m.bus.Emit(evAnswerCall, answerCallPayload{
		CallerID:   m.session.RemoteID,
		RTCMessage: answer,
	}); err != nil {
		m.answering.Store(false)
		return err
	}

	m.pendingOffer = nil
	m.session.State = StateConnectedNegotiating
	metrics.CallsStarted.WithLabelValues(RoleCallee.String()).Inc()
	m.logger.Info("call answered", zap.String("remote", m.session.RemoteID))
	m.publish(Event{Kind: EventConnected, From: m.session.RemoteID})
	m.schedulePublishLocked()
	return nil
}

// RejectCall declines the pending incoming call.
func (m *Machine) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.State != StateIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	remote := m.session.RemoteID
	m.mu.Unlock()

	if err := m.bus.Emit(evRejectCall, userPayload{UserID: m.cfg.LocalID}); err != nil {
		m.logger.Warn("reject signal failed", zap.Error(err))
	}
	m.logger.Info("call rejected", zap.String("remote", remote))
	m.teardown(ctx, "rejected-local")
	return nil
}

// EndCall hangs up the active call and releases every resource it held.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.State == StateIdle || m.session.State == StateEnded {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	m.mu.Unlock()

	if err := m.bus.Emit(evLeaveCall, userPayload{UserID: m.cfg.LocalID}); err != nil {
		m.logger.Warn("leave signal failed", zap.Error(err))
	}
	m.teardown(ctx, "local-hangup")
	return nil
}

// ToggleMicrophone flips the audio track and reports its new enabled state.
func (m *Machine) ToggleMicrophone() (bool, error) {
	return m.toggleTrack(func(lm media.LocalMedia) media.Track { return lm.AudioTrack() })
}

// ToggleCamera flips the video track and reports its new enabled state.
func (m *Machine) ToggleCamera() (bool, error) {
	return m.toggleTrack(func(lm media.LocalMedia) media.Track { return lm.VideoTrack() })
}

func (m *Machine) toggleTrack(pick func(media.LocalMedia) media.Track) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localMedia == nil {
		return false, ErrNoActiveCall
	}
	track := pick(m.localMedia)
	if track == nil {
		return false, errors.New("call: no such track")
	}
	next := !track.Enabled()
	track.SetEnabled(next)
	return next, nil
}

// ---- signaling handlers ----

func (m *Machine) handleNewCall(payload json.RawMessage) {
	var p newCallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.logger.Warn("bad newCall payload", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.State != StateIdle && m.session.State != StateEnded {
		m.logger.Info("ignoring newCall while busy", zap.String("from", p.CallerID))
		return
	}

	offer := p.RTCMessage
	m.pendingOffer = &offer
	m.session = &Session{
		ID:        uuid.NewString(),
		LocalID:   m.cfg.LocalID,
		RemoteID:  p.CallerID,
		Role:      RoleCallee,
		Media:     kindFromWire(p.CallType),
		State:     StateIncoming,
		CreatedAt: time.Now(),
	}
	m.ending.Store(false)

	m.logger.Info("incoming call",
		zap.String("from", p.CallerID),
		zap.String("media", p.CallType))
	m.publish(Event{Kind: EventIncomingCall, From: p.CallerID, Media: kindFromWire(p.CallType)})
}

func (m *Machine) handleCallAnswered(payload json.RawMessage) {
	var p callAnsweredPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.logger.Warn("bad callAnswered payload", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State != StateCalling || m.peer == nil {
		m.logger.Info("ignoring callAnswered outside calling state")
		return
	}

	if err := m.peer.SetRemoteDescription(p.RTCMessage); err != nil {
		m.logger.Error("applying answer failed", zap.Error(err))
		return
	}
	if n, err := m.candidates.Flush(m.peer.AddICECandidate); err != nil {
		m.logger.Warn("some buffered candidates failed", zap.Int("applied", n), zap.Error(err))
	}

	m.session.State = StateConnectedNegotiating
	m.logger.Info("remote answered", zap.String("remote", m.session.RemoteID))
	m.publish(Event{Kind: EventConnected, From: m.session.RemoteID})
	m.schedulePublishLocked()
}

func (m *Machine) handleRemoteCandidate(payload json.RawMessage) {
	var p icePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.logger.Warn("bad ICEcandidate payload", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Candidates from a party we are not talking to are stale or
	// misrouted; accept unguarded only before a remote is bound.
	if p.Sender != "" && m.session != nil && m.session.RemoteID != p.Sender {
		m.logger.Debug("dropping candidate from foreign sender", zap.String("sender", p.Sender))
		return
	}

	cand := fromWireCandidate(p.RTCMessage)
	if m.peer != nil && m.peer.HasRemoteDescription() {
		if err := m.peer.AddICECandidate(cand); err != nil {
			m.logger.Warn("apply live candidate failed", zap.Error(err))
		}
		return
	}
	m.candidates.Add(cand)
}

func (m *Machine) logServerError(what string) signal.Handler {
	return func(payload json.RawMessage) {
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &p)
		m.logger.Warn(what, zap.String("message", p.Message))
	}
}

func (m *Machine) handleCallRejected(json.RawMessage) {
	m.mu.Lock()
	calling := m.session != nil && m.session.State == StateCalling
	m.mu.Unlock()
	if calling {
		m.publish(Event{Kind: EventRejected})
	}
	go m.endFromRemote("remote-rejected")
}

func (m *Machine) endFromRemote(reason string) {
	m.mu.Lock()
	active := m.session != nil && m.session.State != StateIdle && m.session.State != StateEnded
	m.mu.Unlock()
	if !active {
		return
	}
	m.teardown(m.ctx, reason)
}

// ---- internals ----

func (m *Machine) ensureLocalMediaLocked(ctx context.Context, video bool) error {
	if m.localMedia != nil {
		return nil
	}
	lm, err := m.engine.CreateLocalTracks(ctx, video)
	if err != nil {
		return err
	}
	m.localMedia = lm
	return nil
}

func (m *Machine) ensurePeerLocked(remote string) error {
	if m.peer != nil {
		return nil
	}
	peer, err := m.engine.NewPeerConnection()
	if err != nil {
		return err
	}

	peer.OnICECandidate(func(c media.ICECandidate) {
		if err := m.bus.Emit(evICECandidate, icePayload{
			CalleeID:   remote,
			Sender:     m.cfg.LocalID,
			RTCMessage: toWireCandidate(c),
		}); err != nil {
			m.logger.Warn("send candidate failed", zap.Error(err))
		}
	})
	peer.OnStateChange(m.handlePeerState)

	if m.localMedia != nil {
		if err := peer.AddTracks(m.localMedia); err != nil {
			peer.Close()
			return err
		}
	}
	m.peer = peer
	return nil
}

func (m *Machine) handlePeerState(s media.ConnectionState) {
	switch s {
	case media.StateConnected:
		m.mu.Lock()
		if m.session != nil && m.session.State == StateConnectedNegotiating {
			m.session.State = StateConnectedEstablished
			metrics.CallsConnected.Inc()
			m.publish(Event{Kind: EventEstablished, From: m.session.RemoteID})
		}
		m.mu.Unlock()
	case media.StateFailed:
		m.logger.Warn("peer connection failed")
		m.endFromRemote("connection-failure")
	}
}

// schedulePublishLocked hands the audio track to the publisher once the
// fresh connection has had a moment to stabilize. Fire and forget: publish
// failures never end the call.
func (m *Machine) schedulePublishLocked() {
	if m.publisher == nil || m.session == nil || m.localMedia == nil {
		return
	}
	roomID := m.session.RoomID()
	track := m.localMedia.AudioTrack()
	if track == nil {
		return
	}

	delay := m.cfg.PublishDelay
	go func() {
		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}
		if err := m.publisher.Publish(m.ctx, roomID, track); err != nil {
			m.logger.Warn("publish to media server failed",
				zap.String("room", roomID), zap.Error(err))
		}
	}()
}

// teardown ends the call exactly once: recording stops first, then media,
// peer, transport and buffered candidates are all released.
func (m *Machine) teardown(ctx context.Context, reason string) {
	if !m.ending.CompareAndSwap(false, true) {
		return
	}

	if m.recorder != nil {
		m.recorder.Shutdown(ctx)
	}
	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			m.logger.Warn("publisher close failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.releaseAllLocked()
	remote := ""
	if m.session != nil {
		remote = m.session.RemoteID
		m.session.State = StateEnded
	}
	m.mu.Unlock()

	metrics.CallsEnded.WithLabelValues(reason).Inc()
	m.logger.Info("call ended", zap.String("reason", reason), zap.String("remote", remote))
	m.publish(Event{Kind: EventEnded, From: remote, Reason: reason})

	grace := m.cfg.GraceDelay
	go func() {
		select {
		case <-time.After(grace):
		case <-m.ctx.Done():
			return
		}
		m.mu.Lock()
		if m.session != nil && m.session.State == StateEnded {
			m.session = nil
		}
		m.mu.Unlock()
	}()
}

func (m *Machine) releaseMediaLocked() {
	if m.localMedia != nil {
		if err := m.localMedia.Close(); err != nil {
			m.logger.Warn("closing local media failed", zap.Error(err))
		}
		m.localMedia = nil
	}
}

func (m *Machine) releaseAllLocked() {
	m.releaseMediaLocked()
	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			m.logger.Warn("closing peer connection failed", zap.Error(err))
		}
		m.peer = nil
	}
	m.candidates.Clear()
	m.pendingOffer = nil
	m.answering.Store(false)
}

// HasRemoteDescription is used by tests to observe negotiation progress.
func (m *Machine) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer != nil && m.peer.HasRemoteDescription()
}

// BufferedCandidates reports the pending candidate count.
func (m *Machine) BufferedCandidates() int {
	return m.candidates.Len()
}

// RoomID returns the canonical room for the active session, or "".
func (m *Machine) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return rooms.CanonicalRoomID(m.session.LocalID, m.session.RemoteID)
}
