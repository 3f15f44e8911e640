package call

// EventKind enumerates the notifications the machine publishes to its
// consumer (typically the UI layer).
type EventKind int

const (
	// EventIncomingCall: a newCall arrived while idle.
	EventIncomingCall EventKind = iota
	// EventConnected: the offer/answer exchange completed; negotiation
	// continues underneath.
	EventConnected
	// EventEstablished: the peer connection reports connected.
	EventEstablished
	// EventEnded: the call was torn down, locally or remotely.
	EventEnded
	// EventRejected: the remote party rejected our outgoing call.
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventIncomingCall:
		return "incoming-call"
	case EventConnected:
		return "connected"
	case EventEstablished:
		return "established"
	case EventEnded:
		return "ended"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is one notification. From and Media are set for incoming calls,
// Reason for ended calls.
type Event struct {
	Kind   EventKind
	From   string
	Media  Kind
	Reason string
}

// publish delivers ev without blocking the signaling goroutine; a slow or
// absent consumer drops events rather than stalling dispatch.
func (m *Machine) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event dropped, consumer not keeping up")
	}
}
