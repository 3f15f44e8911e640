// Package producer publishes the session's outbound audio track to the
// media/recording server, independent of the peer-to-peer link: capability
// exchange, transport creation, DTLS connect, then produce.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/voxline/callcore/internal/media"
	"github.com/voxline/callcore/internal/metrics"
	"github.com/voxline/callcore/internal/signal"
)

const (
	evGetCapabilities    = "get-router-rtp-capabilities"
	evCapabilities       = "router-rtp-capabilities"
	evCreateTransport    = "create-transport"
	evTransportCreated   = "transport-created"
	evConnectTransport   = "connect-transport"
	evTransportConnected = "transport-connected"
	evProduce            = "produce"
	evProduced           = "produced"
)

// Config carries the publish-flow tuning knobs. Zero values pick sane
// defaults.
type Config struct {
	// CapabilityAttempts bounds the socket round-trips for the router
	// capabilities before the HTTP fallback kicks in.
	CapabilityAttempts uint64
	CapabilityTimeout  time.Duration
	CapabilityBackoff  time.Duration
	// CapabilityFallbackURL is the debug HTTP endpoint returning the same
	// capability payload; empty disables the fallback.
	CapabilityFallbackURL string

	CreateTransportTimeout  time.Duration
	ConnectTransportTimeout time.Duration
	ProduceTimeout          time.Duration
}

func (c *Config) fillDefaults() {
	if c.CapabilityAttempts == 0 {
		c.CapabilityAttempts = 3
	}
	if c.CapabilityTimeout <= 0 {
		c.CapabilityTimeout = 3 * time.Second
	}
	if c.CapabilityBackoff <= 0 {
		c.CapabilityBackoff = 750 * time.Millisecond
	}
	if c.CreateTransportTimeout <= 0 {
		c.CreateTransportTimeout = 5 * time.Second
	}
	if c.ConnectTransportTimeout <= 0 {
		// DTLS can be slow on mobile networks.
		c.ConnectTransportTimeout = 15 * time.Second
	}
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = 10 * time.Second
	}
}

// ErrRouterNotReady: the server answered the capability request but is not
// serving yet. Retryable.
var ErrRouterNotReady = errors.New("producer: router not ready")

// Manager owns the send transport and producer for the active session. At
// most one of each exists at a time; a publish while both are live is a
// no-op.
type Manager struct {
	cfg    Config
	bus    signal.Bus
	engine media.Engine
	logger *zap.Logger
	httpc  *http.Client

	mu        sync.Mutex
	device    media.Device
	transport media.SendTransport
	prod      media.Producer
}

func NewManager(cfg Config, bus signal.Bus, engine media.Engine, logger *zap.Logger) *Manager {
	cfg.fillDefaults()
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		engine: engine,
		logger: logger.Named("producer"),
		httpc:  &http.Client{Timeout: 5 * time.Second},
	}
}

// ProducerID returns the live producer's id, or "" when nothing is
// published. The recording orchestrator treats "" as not-ready.
func (m *Manager) ProducerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prod == nil || m.prod.Closed() {
		return ""
	}
	return m.prod.ID()
}

// Publish runs the whole flow: capabilities, device, transport, DTLS
// connect, produce. Idempotent: a live transport and producer short-circuit.
func (m *Manager) Publish(ctx context.Context, roomID string, track media.Track) error {
	m.mu.Lock()
	if m.transport != nil && m.prod != nil && !m.prod.Closed() {
		m.mu.Unlock()
		m.logger.Debug("already publishing", zap.String("room", roomID))
		return nil
	}
	m.mu.Unlock()

	if track == nil {
		return errors.New("producer: no audio track to publish")
	}

	caps, err := m.fetchCapabilities(ctx)
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("capabilities-failed").Inc()
		return err
	}

	device, err := m.engine.LoadDevice(caps)
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("bad-capabilities").Inc()
		return err
	}

	info, err := m.createTransport(ctx, roomID)
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("transport-failed").Inc()
		return err
	}

	transport, err := device.CreateSendTransport(info, media.TransportHooks{
		Connect: func(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
			return m.connectTransport(ctx, roomID, transportID, dtlsParameters)
		},
		Produce: func(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
			return m.remoteProduce(ctx, roomID, transportID, kind, rtpParameters)
		},
	})
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("transport-failed").Inc()
		return err
	}

	prod, err := transport.Produce(ctx, track)
	if err != nil {
		transport.Close()
		metrics.PublishAttempts.WithLabelValues("produce-failed").Inc()
		return err
	}

	m.mu.Lock()
	m.device = device
	m.transport = transport
	m.prod = prod
	m.mu.Unlock()

	metrics.PublishAttempts.WithLabelValues("ok").Inc()
	m.logger.Info("publishing to media server",
		zap.String("room", roomID),
		zap.String("transport", transport.ID()),
		zap.String("producer", prod.ID()))
	return nil
}

// Close releases the producer and transport. Safe to call at any point of
// the flow, including before Publish ever ran.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prod != nil {
		if err := m.prod.Close(); err != nil {
			m.logger.Warn("producer close failed", zap.Error(err))
		}
		m.prod = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Warn("transport close failed", zap.Error(err))
		}
		m.transport = nil
	}
	m.device = nil
	return nil
}

// ---- protocol legs ----

type capabilitiesReply struct {
	Ready bool            `json:"ready"`
	Caps  json.RawMessage `json:"caps"`
}

// fetchCapabilities asks over the socket with bounded retries, then falls
// back to the debug HTTP endpoint before giving up.
func (m *Manager) fetchCapabilities(ctx context.Context) (json.RawMessage, error) {
	var caps json.RawMessage

	attempt := func() error {
		reply, err := signal.Request(ctx, m.bus, signal.RequestSpec{
			Event:   evGetCapabilities,
			Payload: struct{}{},
			Reply:   evCapabilities,
			Timeout: m.cfg.CapabilityTimeout,
		})
		if err != nil {
			return err
		}
		var p capabilitiesReply
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			return backoff.Permanent(fmt.Errorf("producer: bad capabilities reply: %w", err))
		}
		if !p.Ready {
			return ErrRouterNotReady
		}
		caps = p.Caps
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.CapabilityBackoff), m.cfg.CapabilityAttempts-1)
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		m.logger.Warn("socket capability fetch failed, trying http fallback", zap.Error(err))
		fallback, ferr := m.fetchCapabilitiesHTTP(ctx)
		if ferr != nil {
			return nil, fmt.Errorf("producer: capability fetch failed: %w (fallback: %v)", err, ferr)
		}
		return fallback, nil
	}
	return caps, nil
}

func (m *Manager) fetchCapabilitiesHTTP(ctx context.Context) (json.RawMessage, error) {
	if m.cfg.CapabilityFallbackURL == "" {
		return nil, errors.New("no fallback url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.CapabilityFallbackURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var p capabilitiesReply
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("bad fallback payload: %w", err)
	}
	if !p.Ready {
		return nil, ErrRouterNotReady
	}
	m.logger.Info("capabilities fetched over http fallback")
	return p.Caps, nil
}

func (m *Manager) createTransport(ctx context.Context, roomID string) (media.TransportInfo, error) {
	reply, err := signal.Request(ctx, m.bus, signal.RequestSpec{
		Event:   evCreateTransport,
		Payload: map[string]string{"roomId": roomID},
		Reply:   evTransportCreated,
		Timeout: m.cfg.CreateTransportTimeout,
	})
	if err != nil {
		return media.TransportInfo{}, fmt.Errorf("producer: create transport: %w", err)
	}
	var info media.TransportInfo
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		return media.TransportInfo{}, fmt.Errorf("producer: bad transport-created payload: %w", err)
	}
	if info.ID == "" {
		return media.TransportInfo{}, errors.New("producer: transport-created without id")
	}
	return info, nil
}

// connectTransport resolves only on a transport-connected reply carrying the
// same transport id; replies for other transports are ignored.
func (m *Manager) connectTransport(ctx context.Context, roomID, transportID string, dtlsParameters json.RawMessage) error {
	_, err := signal.Request(ctx, m.bus, signal.RequestSpec{
		Event: evConnectTransport,
		Payload: map[string]any{
			"roomId":         roomID,
			"transportId":    transportID,
			"dtlsParameters": dtlsParameters,
		},
		Reply: evTransportConnected,
		Match: func(payload json.RawMessage) bool {
			var p struct {
				TransportID string `json:"transportId"`
			}
			return json.Unmarshal(payload, &p) == nil && p.TransportID == transportID
		},
		Timeout: m.cfg.ConnectTransportTimeout,
	})
	if err != nil {
		return fmt.Errorf("producer: connect transport %s: %w", transportID, err)
	}
	return nil
}

func (m *Manager) remoteProduce(ctx context.Context, roomID, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
	reply, err := signal.Request(ctx, m.bus, signal.RequestSpec{
		Event: evProduce,
		Payload: map[string]any{
			"roomId":        roomID,
			"transportId":   transportID,
			"kind":          kind,
			"rtpParameters": rtpParameters,
		},
		Reply:   evProduced,
		Timeout: m.cfg.ProduceTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("producer: produce %s: %w", kind, err)
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(reply.Payload, &p); err != nil || p.ID == "" {
		return "", fmt.Errorf("producer: bad produced payload: %s", reply.Payload)
	}
	return p.ID, nil
}
