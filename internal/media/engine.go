// Package media defines the capability surface the call core uses to drive
// local media: acquiring tracks, running a peer connection, and publishing a
// track to the media server through a send transport. The call, producer and
// recording packages depend only on these interfaces; the pion-backed
// implementation lives alongside them.
package media

import (
	"context"
	"encoding/json"
	"errors"
)

// SessionDescription is an SDP offer or answer as carried on the wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one network path proposal.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// ConnectionState mirrors the peer connection lifecycle.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Live reports whether media could plausibly flow: the connection is either
// negotiating or established.
func (s ConnectionState) Live() bool {
	return s == StateConnecting || s == StateConnected
}

// DTLSState tracks the send transport's handshake.
type DTLSState int

const (
	DTLSNew DTLSState = iota
	DTLSConnecting
	DTLSConnected
	DTLSFailed
	DTLSClosed
)

// ErrBadCapabilities marks router capabilities the device cannot load. This
// is fatal to the publish flow, never retried.
var ErrBadCapabilities = errors.New("media: malformed router rtp capabilities")

// Track is one local media track.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Close() error
}

// LocalMedia bundles the tracks acquired for a call. VideoTrack is nil for
// audio-only calls.
type LocalMedia interface {
	AudioTrack() Track
	VideoTrack() Track
	Close() error
}

// PeerConnection is the peer-to-peer leg of a call.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(sd SessionDescription) error
	SetRemoteDescription(sd SessionDescription) error
	// HasRemoteDescription gates ICE candidate application; candidates
	// must be buffered until it reports true.
	HasRemoteDescription() bool
	AddICECandidate(c ICECandidate) error
	AddTracks(lm LocalMedia) error
	OnICECandidate(fn func(ICECandidate))
	OnStateChange(fn func(ConnectionState))
	State() ConnectionState
	Close() error
}

// TransportInfo is the server's answer to create-transport.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// TransportHooks are invoked lazily by a send transport: Connect on the
// first connection attempt, Produce on the first production attempt. Both
// run at most once per transport.
type TransportHooks struct {
	Connect func(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	Produce func(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (producerID string, err error)
}

// Device holds loaded router capabilities and mints send transports.
type Device interface {
	RTPCapabilities() json.RawMessage
	CreateSendTransport(info TransportInfo, hooks TransportHooks) (SendTransport, error)
}

// SendTransport publishes local tracks toward the media server.
type SendTransport interface {
	ID() string
	DTLSState() DTLSState
	Produce(ctx context.Context, track Track) (Producer, error)
	Close() error
}

// Producer is a published track.
type Producer interface {
	ID() string
	Kind() string
	Closed() bool
	Close() error
}

// Engine is the media capability interface the call core orchestrates.
type Engine interface {
	NewPeerConnection() (PeerConnection, error)
	CreateLocalTracks(ctx context.Context, wantVideo bool) (LocalMedia, error)
	LoadDevice(caps json.RawMessage) (Device, error)
}
