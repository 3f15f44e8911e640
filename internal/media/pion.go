package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Registers the local capture drivers with mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// PionEngine implements Engine on pion/webrtc and pion/mediadevices.
type PionEngine struct {
	logger   *zap.Logger
	pcConfig webrtc.Configuration
	selector *mediadevices.CodecSelector
	dtlsJSON json.RawMessage
}

// NewPionEngine builds the codec selector and the local DTLS identity used
// for send transports.
func NewPionEngine(logger *zap.Logger) (*PionEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	dtlsJSON, err := localDTLSParameters()
	if err != nil {
		return nil, err
	}

	return &PionEngine{
		logger: logger.Named("media"),
		pcConfig: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{
					"stun:stun.l.google.com:19302",
					"stun:stun1.l.google.com:19302",
				}},
			},
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		selector: selector,
		dtlsJSON: dtlsJSON,
	}, nil
}

// localDTLSParameters generates a self-signed certificate and renders its
// fingerprint in the shape the media server expects for connect-transport.
func localDTLSParameters() (json.RawMessage, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("media: generate dtls certificate: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("media: self-signed certificate is empty")
	}

	sum := sha256.Sum256(cert.Certificate[0])
	raw := hex.EncodeToString(sum[:])
	var fp strings.Builder
	for i := 0; i < len(raw); i += 2 {
		if i > 0 {
			fp.WriteString(":")
		}
		fp.WriteString(raw[i : i+2])
	}

	return json.Marshal(map[string]any{
		"role": "client",
		"fingerprints": []map[string]string{
			{"algorithm": "sha-256", "value": fp.String()},
		},
	})
}

func (e *PionEngine) NewPeerConnection() (PeerConnection, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media: register codecs: %w", err)
	}
	e.selector.Populate(&mediaEngine)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(5*time.Second, 10*time.Second, 30*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(e.pcConfig)
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: e.logger}, nil
}

func (e *PionEngine) CreateLocalTracks(ctx context.Context, wantVideo bool) (LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: e.selector,
	}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("media: get user media: %w", err)
	}

	lm := &pionLocalMedia{stream: stream}
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		lm.audio = newPionTrack(tracks[0], "audio", e.logger)
	}
	if wantVideo {
		if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
			lm.video = newPionTrack(tracks[0], "video", e.logger)
		}
	}
	if lm.audio == nil {
		lm.Close()
		return nil, fmt.Errorf("media: no audio capture device")
	}
	return lm, nil
}

func (e *PionEngine) LoadDevice(caps json.RawMessage) (Device, error) {
	return NewDevice(caps, e.dtlsJSON)
}

// ---- local media ----

// trackSender is the slice of *webrtc.RTPSender a track needs to pause and
// resume itself.
type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

type pionTrack struct {
	track  mediadevices.Track
	local  webrtc.TrackLocal
	kind   string
	logger *zap.Logger

	mu      sync.Mutex
	enabled bool
	sender  trackSender
}

func newPionTrack(t mediadevices.Track, kind string, logger *zap.Logger) *pionTrack {
	return &pionTrack{track: t, local: t, kind: kind, logger: logger, enabled: true}
}

func (t *pionTrack) Kind() string { return t.kind }

func (t *pionTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// attach hands the track its RTP sender once it has been added to a peer
// connection. A track disabled before that point starts out muted.
func (t *pionTrack) attach(s trackSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = s
	if !t.enabled {
		if err := s.ReplaceTrack(nil); err != nil {
			t.logger.Warn("muting track on attach failed",
				zap.String("kind", t.kind), zap.Error(err))
		}
	}
}

// SetEnabled mutes or unmutes the track. Muting swaps the sender's source
// for nil so no RTP leaves the machine; unmuting swaps the capture track
// back in. Neither direction needs a renegotiation.
func (t *pionTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == t.enabled {
		return
	}
	t.enabled = v
	if t.sender == nil {
		return
	}
	var next webrtc.TrackLocal
	if v {
		next = t.local
	}
	if err := t.sender.ReplaceTrack(next); err != nil {
		t.logger.Warn("replace track failed",
			zap.String("kind", t.kind), zap.Error(err))
	}
}

func (t *pionTrack) Close() error { return t.track.Close() }

type pionLocalMedia struct {
	stream mediadevices.MediaStream
	audio  *pionTrack
	video  *pionTrack
}

func (lm *pionLocalMedia) AudioTrack() Track {
	if lm.audio == nil {
		return nil
	}
	return lm.audio
}

func (lm *pionLocalMedia) VideoTrack() Track {
	if lm.video == nil {
		return nil
	}
	return lm.video
}

func (lm *pionLocalMedia) Close() error {
	for _, t := range lm.stream.GetTracks() {
		t.Close()
	}
	return nil
}

// ---- peer connection ----

type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

func (p *pionPeer) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("media: create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("media: create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(sd SessionDescription) error {
	if err := p.pc.SetLocalDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("media: set local description: %w", err)
	}
	return nil
}

func (p *pionPeer) SetRemoteDescription(sd SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("media: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("media: add ice candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) AddTracks(lm LocalMedia) error {
	plm, ok := lm.(*pionLocalMedia)
	if !ok {
		return fmt.Errorf("media: local media was not created by this engine")
	}
	for _, pt := range []*pionTrack{plm.audio, plm.video} {
		if pt == nil {
			continue
		}
		tr, err := p.pc.AddTransceiverFromTrack(pt.track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("media: add %s track: %w", pt.kind, err)
		}
		pt.attach(tr.Sender())
	}
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		init := c.ToJSON()
		out := ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (p *pionPeer) OnStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", zap.String("state", s.String()))
		fn(mapPionState(s))
	})
}

func (p *pionPeer) State() ConnectionState {
	return mapPionState(p.pc.ConnectionState())
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toPionSD(sd SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func mapPionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
