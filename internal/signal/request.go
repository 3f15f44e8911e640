package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxline/callcore/internal/metrics"
)

// ErrTimeout marks a request whose reply never arrived. Callers treat it as
// retryable unless they know better.
var ErrTimeout = errors.New("signal: request timed out")

// RequestSpec describes one emit-and-await round trip. Reply (and the
// optional ErrorReply) handlers are one-shot: they are registered before the
// emit and unconditionally removed when the request resolves, times out, or
// is cancelled.
type RequestSpec struct {
	// Event and Payload form the outbound message.
	Event   string
	Payload any
	// Reply is the event that resolves the request.
	Reply string
	// ErrorReply optionally names a failure event that also resolves it
	// (e.g. recording-failed alongside recording-started).
	ErrorReply string
	// Match filters replies when several requests could share an event
	// name; a nil Match accepts the first reply. Payloads rejected by
	// Match leave the listener armed.
	Match func(payload json.RawMessage) bool
	// Timeout bounds the whole round trip.
	Timeout time.Duration
}

// Reply is a resolved request: the event that fired and its payload.
type Reply struct {
	Event   string
	Payload json.RawMessage
}

// Request performs one correlated round trip over b. This is the single
// primitive behind every await-a-server-reply interaction in the core; the
// guarantee it provides is that no reply listener outlives the call.
func Request(ctx context.Context, b Bus, spec RequestSpec) (Reply, error) {
	if spec.Timeout <= 0 {
		return Reply{}, fmt.Errorf("signal: request %s has no timeout", spec.Event)
	}

	replies := make(chan Reply, 1)
	accept := func(event string) Handler {
		return func(payload json.RawMessage) {
			if spec.Match != nil && !spec.Match(payload) {
				return
			}
			select {
			case replies <- Reply{Event: event, Payload: payload}:
			default:
			}
		}
	}

	offReply := b.On(spec.Reply, accept(spec.Reply))
	defer offReply()
	if spec.ErrorReply != "" {
		offErr := b.On(spec.ErrorReply, accept(spec.ErrorReply))
		defer offErr()
	}

	if err := b.Emit(spec.Event, spec.Payload); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		return r, nil
	case <-timer.C:
		metrics.SignalRequestTimeouts.WithLabelValues(spec.Event).Inc()
		return Reply{}, fmt.Errorf("%w: %s after %s", ErrTimeout, spec.Event, spec.Timeout)
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
