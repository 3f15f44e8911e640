// Package call owns the call lifecycle: the session state machine, the
// pending ICE candidate buffer, and the signaling exchange that negotiates a
// peer-to-peer session with the remote party.
package call

import (
	"time"

	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/rooms"
)

// State is the call lifecycle state. Connected is split into two sub-states
// so callers can distinguish "answer sent" from "media flowing".
type State int

const (
	StateIdle State = iota
	StateCalling
	StateIncoming
	// StateConnectedNegotiating: the answer has been sent or applied;
	// ICE/DTLS negotiation is still settling underneath.
	StateConnectedNegotiating
	// StateConnectedEstablished: the transport reports connected.
	StateConnectedEstablished
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateIncoming:
		return "incoming"
	case StateConnectedNegotiating:
		return "connected-negotiating"
	case StateConnectedEstablished:
		return "connected-established"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Connected reports either connected sub-state.
func (s State) Connected() bool {
	return s == StateConnectedNegotiating || s == StateConnectedEstablished
}

// Role distinguishes who initiated the call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Kind is the negotiated media kind.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

func kindFromWire(callType string) Kind {
	if callType == "video" {
		return KindVideo
	}
	return KindAudio
}

// Session is the single active call. It is owned by the Machine and mutated
// only through its transitions; collaborators get read-only Snapshots.
type Session struct {
	ID        string
	LocalID   string
	RemoteID  string
	Role      Role
	Media     Kind
	State     State
	CreatedAt time.Time
}

// RoomID is the canonical room shared with the remote party.
func (s *Session) RoomID() string {
	return rooms.CanonicalRoomID(s.LocalID, s.RemoteID)
}

// Snapshot is a read-only copy of the session plus the live peer state,
// handed to the producer and recording collaborators.
type Snapshot struct {
	ID            string
	LocalID       string
	RemoteID      string
	Role          Role
	Media         Kind
	State         State
	RoomID        string
	PeerState     media.ConnectionState
	HasLocalAudio bool
}
