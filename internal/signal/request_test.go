package signal_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/callcore/internal/signal"
	"github.com/voxline/callcore/internal/signal/signaltest"
)

func TestRequestResolvesOnReply(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, _ json.RawMessage) {
		if event == "create-transport" {
			bus.Deliver("transport-created", map[string]any{"id": "t1"})
		}
	})

	reply, err := signal.Request(context.Background(), bus, signal.RequestSpec{
		Event:   "create-transport",
		Payload: map[string]string{"roomId": "1000-2000"},
		Reply:   "transport-created",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "transport-created", reply.Event)
	assert.JSONEq(t, `{"id":"t1"}`, string(reply.Payload))

	assert.Zero(t, bus.HandlerCount("transport-created"), "reply listener must be removed")
}

func TestRequestResolvesOnErrorReply(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, _ json.RawMessage) {
		bus.Deliver("recording-failed", map[string]any{"error": "ffmpeg exited", "retryable": false})
	})

	reply, err := signal.Request(context.Background(), bus, signal.RequestSpec{
		Event:      "start-recording",
		Payload:    map[string]string{"roomId": "13-7"},
		Reply:      "recording-started",
		ErrorReply: "recording-failed",
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "recording-failed", reply.Event)

	assert.Zero(t, bus.HandlerCount("recording-started"))
	assert.Zero(t, bus.HandlerCount("recording-failed"))
}

func TestRequestTimesOut(t *testing.T) {
	bus := signaltest.New()

	_, err := signal.Request(context.Background(), bus, signal.RequestSpec{
		Event:   "get-router-rtp-capabilities",
		Payload: struct{}{},
		Reply:   "router-rtp-capabilities",
		Timeout: 20 * time.Millisecond,
	})
	require.ErrorIs(t, err, signal.ErrTimeout)

	assert.Zero(t, bus.HandlerCount("router-rtp-capabilities"), "timed-out listener must be removed")
}

func TestRequestMatchFiltersForeignReplies(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, _ json.RawMessage) {
		if event != "connect-transport" {
			return
		}
		// A reply for some other transport must not resolve this request.
		bus.Deliver("transport-connected", map[string]any{"transportId": "other"})
		bus.Deliver("transport-connected", map[string]any{"transportId": "mine"})
	})

	reply, err := signal.Request(context.Background(), bus, signal.RequestSpec{
		Event:   "connect-transport",
		Payload: map[string]string{"transportId": "mine"},
		Reply:   "transport-connected",
		Match: func(payload json.RawMessage) bool {
			var p struct {
				TransportID string `json:"transportId"`
			}
			return json.Unmarshal(payload, &p) == nil && p.TransportID == "mine"
		},
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"transportId":"mine"}`, string(reply.Payload))
}

func TestRequestHonorsContextCancellation(t *testing.T) {
	bus := signaltest.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := signal.Request(ctx, bus, signal.RequestSpec{
		Event:   "get-room-producers",
		Payload: map[string]string{"roomId": "13-7"},
		Reply:   "room-producers",
		Timeout: time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, bus.HandlerCount("room-producers"))
}
