package call

import "github.com/voxline/callcore/internal/media"

// Signaling event names, mirrored by the server.
const (
	evCall         = "call"
	evNewCall      = "newCall"
	evAnswerCall   = "answerCall"
	evCallAnswered = "callAnswered"
	evICECandidate = "ICEcandidate"
	evLeaveCall    = "leaveCall"
	evRejectCall   = "rejectCall"
	evUserLeft     = "userLeft"
	evCallRejected = "callRejected"

	// Server-side error notifications; non-fatal unless a pending request
	// is resolved by them elsewhere.
	evError        = "error"
	evProduceError = "produce-error"
)

type callPayload struct {
	CalleeID   string                   `json:"calleeId"`
	CallType   string                   `json:"callType"`
	RTCMessage media.SessionDescription `json:"rtcMessage"`
}

type newCallPayload struct {
	CallerID   string                   `json:"callerId"`
	CallType   string                   `json:"callType"`
	RTCMessage media.SessionDescription `json:"rtcMessage"`
}

type answerCallPayload struct {
	CallerID   string                   `json:"callerId"`
	RTCMessage media.SessionDescription `json:"rtcMessage"`
}

type callAnsweredPayload struct {
	Callee     string                   `json:"callee"`
	RTCMessage media.SessionDescription `json:"rtcMessage"`
}

// iceMessage is the candidate triple on the wire: label is the sdpMLineIndex
// and id the sdpMid.
type iceMessage struct {
	Label     uint16 `json:"label"`
	ID        string `json:"id"`
	Candidate string `json:"candidate"`
}

type icePayload struct {
	CalleeID   string     `json:"calleeId,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	RTCMessage iceMessage `json:"rtcMessage"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

func toWireCandidate(c media.ICECandidate) iceMessage {
	return iceMessage{Label: c.SDPMLineIndex, ID: c.SDPMid, Candidate: c.Candidate}
}

func fromWireCandidate(msg iceMessage) media.ICECandidate {
	return media.ICECandidate{Candidate: msg.Candidate, SDPMid: msg.ID, SDPMLineIndex: msg.Label}
}
