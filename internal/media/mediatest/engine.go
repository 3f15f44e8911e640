// Package mediatest provides an in-memory media.Engine for tests. Peer
// connections record the descriptions and candidates applied to them and let
// tests drive state transitions and ICE events by hand.
package mediatest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voxline/callcore/internal/media"
)

// Engine is a scriptable media.Engine.
type Engine struct {
	mu sync.Mutex

	// Set these to inject failures.
	PeerErr   error
	TracksErr error

	Peers []*Peer
	Media []*LocalMedia
}

var _ media.Engine = (*Engine)(nil)

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) NewPeerConnection() (media.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PeerErr != nil {
		return nil, e.PeerErr
	}
	p := &Peer{state: media.StateNew}
	e.Peers = append(e.Peers, p)
	return p, nil
}

func (e *Engine) CreateLocalTracks(_ context.Context, wantVideo bool) (media.LocalMedia, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.TracksErr != nil {
		return nil, e.TracksErr
	}
	lm := &LocalMedia{Audio: NewTrack("audio")}
	if wantVideo {
		lm.Video = NewTrack("video")
	}
	e.Media = append(e.Media, lm)
	return lm, nil
}

// LoadDevice delegates to the real device implementation so capability
// validation and lazy transport hooks are exercised for real.
func (e *Engine) LoadDevice(caps json.RawMessage) (media.Device, error) {
	return media.NewDevice(caps, json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"00"}]}`))
}

// LastPeer returns the most recently created peer connection, or nil.
func (e *Engine) LastPeer() *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Peers) == 0 {
		return nil
	}
	return e.Peers[len(e.Peers)-1]
}

// ---- peer ----

// Peer is a scriptable media.PeerConnection.
type Peer struct {
	mu sync.Mutex

	offers    int
	answers   int
	LocalSD   media.SessionDescription
	RemoteSD  media.SessionDescription
	hasRemote bool
	Applied   []media.ICECandidate
	Tracks    []media.LocalMedia
	closed    bool
	state     media.ConnectionState

	onICE   func(media.ICECandidate)
	onState func(media.ConnectionState)

	// FailAddCandidate, when set, is returned by AddICECandidate.
	FailAddCandidate error
}

var _ media.PeerConnection = (*Peer)(nil)

func (p *Peer) CreateOffer(context.Context) (media.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return media.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (p *Peer) CreateAnswer(context.Context) (media.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return media.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (p *Peer) SetLocalDescription(sd media.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LocalSD = sd
	return nil
}

func (p *Peer) SetRemoteDescription(sd media.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RemoteSD = sd
	p.hasRemote = true
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *Peer) AddICECandidate(c media.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAddCandidate != nil {
		return p.FailAddCandidate
	}
	p.Applied = append(p.Applied, c)
	return nil
}

func (p *Peer) AddTracks(lm media.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Tracks = append(p.Tracks, lm)
	return nil
}

func (p *Peer) OnICECandidate(fn func(media.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *Peer) OnStateChange(fn func(media.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) State() media.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = media.StateClosed
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AppliedCandidates returns a copy of the candidates applied so far.
func (p *Peer) AppliedCandidates() []media.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.ICECandidate, len(p.Applied))
	copy(out, p.Applied)
	return out
}

// EmitCandidate invokes the registered ICE callback, as pion would on
// gathering.
func (p *Peer) EmitCandidate(c media.ICECandidate) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// SetState drives the connection state and fires the callback.
func (p *Peer) SetState(s media.ConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// OfferCount / AnswerCount report how many SDPs were created.
func (p *Peer) OfferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *Peer) AnswerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// ---- tracks ----

// Track is a fake local track.
type Track struct {
	kind    string
	mu      sync.Mutex
	enabled bool
	closed  bool
}

var _ media.Track = (*Track)(nil)

func NewTrack(kind string) *Track {
	return &Track{kind: kind, enabled: true}
}

func (t *Track) Kind() string { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Track) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// LocalMedia is a fake track bundle.
type LocalMedia struct {
	Audio *Track
	Video *Track

	mu     sync.Mutex
	closed bool
}

var _ media.LocalMedia = (*LocalMedia)(nil)

func (lm *LocalMedia) AudioTrack() media.Track {
	if lm.Audio == nil {
		return nil
	}
	return lm.Audio
}

func (lm *LocalMedia) VideoTrack() media.Track {
	if lm.Video == nil {
		return nil
	}
	return lm.Video
}

func (lm *LocalMedia) Close() error {
	lm.mu.Lock()
	lm.closed = true
	lm.mu.Unlock()
	if lm.Audio != nil {
		lm.Audio.Close()
	}
	if lm.Video != nil {
		lm.Video.Close()
	}
	return nil
}

func (lm *LocalMedia) IsClosed() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.closed
}
