package producer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/media/mediatest"
	"github.com/voxline/callcore/internal/signal/signaltest"
)

var routerCaps = json.RawMessage(`{"codecs":[
	{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},
	{"kind":"video","mimeType":"video/VP8","clockRate":90000}
]}`)

func testConfig() Config {
	return Config{
		CapabilityAttempts:      3,
		CapabilityTimeout:       200 * time.Millisecond,
		CapabilityBackoff:       time.Millisecond,
		CreateTransportTimeout:  200 * time.Millisecond,
		ConnectTransportTimeout: 200 * time.Millisecond,
		ProduceTimeout:          200 * time.Millisecond,
	}
}

// scriptMediaServer answers the publish flow like the recording server's
// mediasoup side would. readyAfter delays the router-ready reply to the nth
// capability request.
func scriptMediaServer(bus *signaltest.Bus, readyAfter int) {
	capRequests := 0
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetCapabilities:
			capRequests++
			if capRequests < readyAfter {
				bus.Deliver(evCapabilities, map[string]any{"ready": false})
				return
			}
			bus.Deliver(evCapabilities, map[string]any{"ready": true, "caps": routerCaps})
		case evCreateTransport:
			bus.Deliver(evTransportCreated, map[string]any{
				"id":            "t1",
				"iceParameters": map[string]any{"usernameFragment": "frag", "password": "pw"},
				"iceCandidates": []any{},
				"dtlsParameters": map[string]any{
					"role":         "server",
					"fingerprints": []any{map[string]any{"algorithm": "sha-256", "value": "cd"}},
				},
			})
		case evConnectTransport:
			var p struct {
				TransportID string `json:"transportId"`
			}
			_ = json.Unmarshal(payload, &p)
			bus.Deliver(evTransportConnected, map[string]string{"transportId": p.TransportID})
		case evProduce:
			bus.Deliver(evProduced, map[string]string{"id": "prod-1"})
		}
	})
}

func newTestManager(cfg Config, bus *signaltest.Bus) *Manager {
	return NewManager(cfg, bus, mediatest.NewEngine(), zap.NewNop())
}

func TestPublishHappyPath(t *testing.T) {
	bus := signaltest.New()
	scriptMediaServer(bus, 1)
	m := newTestManager(testConfig(), bus)

	err := m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio"))
	require.NoError(t, err)
	assert.Equal(t, "prod-1", m.ProducerID())

	var order []string
	for _, e := range bus.Events() {
		order = append(order, e.Event)
	}
	assert.Equal(t, []string{
		evGetCapabilities,
		evCreateTransport,
		evConnectTransport,
		evProduce,
	}, order, "the flow must connect the transport before producing")

	// Every request listener resolved.
	for _, ev := range []string{evCapabilities, evTransportCreated, evTransportConnected, evProduced} {
		assert.Zero(t, bus.HandlerCount(ev), "dangling listener for %s", ev)
	}
}

func TestPublishRetriesUntilRouterReady(t *testing.T) {
	bus := signaltest.New()
	scriptMediaServer(bus, 3)
	m := newTestManager(testConfig(), bus)

	err := m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio"))
	require.NoError(t, err)
	assert.Len(t, bus.Events(evGetCapabilities), 3)
	assert.Equal(t, "prod-1", m.ProducerID())
}

func TestPublishFallsBackToHTTPCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp, _ := json.Marshal(map[string]any{"ready": true, "caps": routerCaps})
		w.Write(resp)
	}))
	defer srv.Close()

	bus := signaltest.New()
	// Router never ready over the socket; the rest of the flow proceeds.
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetCapabilities:
			bus.Deliver(evCapabilities, map[string]any{"ready": false})
		case evCreateTransport:
			bus.Deliver(evTransportCreated, map[string]any{
				"id": "t1",
				"dtlsParameters": map[string]any{
					"role":         "server",
					"fingerprints": []any{map[string]any{"algorithm": "sha-256", "value": "cd"}},
				},
			})
		case evConnectTransport:
			bus.Deliver(evTransportConnected, map[string]string{"transportId": "t1"})
		case evProduce:
			bus.Deliver(evProduced, map[string]string{"id": "prod-http"})
		}
	})

	cfg := testConfig()
	cfg.CapabilityFallbackURL = srv.URL + "/debug/capabilities"
	m := newTestManager(cfg, bus)

	err := m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio"))
	require.NoError(t, err)
	assert.Equal(t, "prod-http", m.ProducerID())
	assert.Len(t, bus.Events(evGetCapabilities), 3, "socket attempts are exhausted before the fallback")
}

func TestPublishFailsWhenRouterNeverReady(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, payload json.RawMessage) {
		if event == evGetCapabilities {
			bus.Deliver(evCapabilities, map[string]any{"ready": false})
		}
	})
	m := newTestManager(testConfig(), bus)

	err := m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio"))
	require.Error(t, err)
	assert.Empty(t, m.ProducerID())
	assert.Empty(t, bus.Events(evCreateTransport), "no transport without capabilities")
}

func TestPublishIsIdempotent(t *testing.T) {
	bus := signaltest.New()
	scriptMediaServer(bus, 1)
	m := newTestManager(testConfig(), bus)

	track := mediatest.NewTrack("audio")
	require.NoError(t, m.Publish(context.Background(), "alice-bob", track))
	require.NoError(t, m.Publish(context.Background(), "alice-bob", track))

	assert.Len(t, bus.Events(evProduce), 1, "republishing a live producer is a no-op")
}

func TestPublishRejectsNilTrack(t *testing.T) {
	bus := signaltest.New()
	m := newTestManager(testConfig(), bus)

	err := m.Publish(context.Background(), "alice-bob", nil)
	require.Error(t, err)
	assert.Empty(t, bus.Events())
}

func TestTransportCreatedWithoutID(t *testing.T) {
	bus := signaltest.New()
	bus.OnEmit(func(event string, payload json.RawMessage) {
		switch event {
		case evGetCapabilities:
			bus.Deliver(evCapabilities, map[string]any{"ready": true, "caps": routerCaps})
		case evCreateTransport:
			bus.Deliver(evTransportCreated, map[string]any{})
		}
	})
	m := newTestManager(testConfig(), bus)

	err := m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio"))
	require.Error(t, err)
	assert.Empty(t, m.ProducerID())
}

func TestCloseBeforePublish(t *testing.T) {
	bus := signaltest.New()
	m := newTestManager(testConfig(), bus)
	require.NoError(t, m.Close())
	assert.Empty(t, m.ProducerID())
}

func TestCloseReleasesProducer(t *testing.T) {
	bus := signaltest.New()
	scriptMediaServer(bus, 1)
	m := newTestManager(testConfig(), bus)

	require.NoError(t, m.Publish(context.Background(), "alice-bob", mediatest.NewTrack("audio")))
	require.NoError(t, m.Close())
	assert.Empty(t, m.ProducerID())
}
