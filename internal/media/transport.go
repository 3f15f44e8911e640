package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrTransportClosed is returned by Produce after Close.
var ErrTransportClosed = errors.New("media: send transport closed")

// loadedDevice is the engine-agnostic Device implementation: it validates
// router capabilities once and stamps every transport it creates with the
// local DTLS parameters.
type loadedDevice struct {
	caps     json.RawMessage
	dtlsJSON json.RawMessage
	audioRTP json.RawMessage
}

type routerCaps struct {
	Codecs []json.RawMessage `json:"codecs"`
}

// NewDevice validates caps and returns a Device. Malformed capabilities are
// fatal to the caller's publish flow (ErrBadCapabilities).
func NewDevice(caps json.RawMessage, dtlsParameters json.RawMessage) (Device, error) {
	var rc routerCaps
	if err := json.Unmarshal(caps, &rc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCapabilities, err)
	}
	if len(rc.Codecs) == 0 {
		return nil, fmt.Errorf("%w: no codecs", ErrBadCapabilities)
	}

	// Audio rtpParameters reuse the router's audio codec entries verbatim;
	// the server owns codec selection.
	var audioCodecs []json.RawMessage
	for _, raw := range rc.Codecs {
		var c struct {
			MimeType string `json:"mimeType"`
			Kind     string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		if c.Kind == "audio" || c.MimeType == "audio/opus" {
			audioCodecs = append(audioCodecs, raw)
		}
	}
	if len(audioCodecs) == 0 {
		return nil, fmt.Errorf("%w: no audio codec", ErrBadCapabilities)
	}
	audioRTP, err := json.Marshal(map[string]any{"codecs": audioCodecs})
	if err != nil {
		return nil, fmt.Errorf("media: marshal audio rtp parameters: %w", err)
	}

	return &loadedDevice{caps: caps, dtlsJSON: dtlsParameters, audioRTP: audioRTP}, nil
}

func (d *loadedDevice) RTPCapabilities() json.RawMessage { return d.caps }

func (d *loadedDevice) CreateSendTransport(info TransportInfo, hooks TransportHooks) (SendTransport, error) {
	if info.ID == "" {
		return nil, errors.New("media: transport info has no id")
	}
	if hooks.Connect == nil || hooks.Produce == nil {
		return nil, errors.New("media: transport hooks incomplete")
	}
	return &sendTransport{
		id:       info.ID,
		hooks:    hooks,
		dtlsJSON: d.dtlsJSON,
		audioRTP: d.audioRTP,
		state:    DTLSNew,
	}, nil
}

// sendTransport performs the lazy connect-then-produce dance: the DTLS
// connect hook fires exactly once, on the first Produce.
type sendTransport struct {
	id       string
	hooks    TransportHooks
	dtlsJSON json.RawMessage
	audioRTP json.RawMessage

	mu        sync.Mutex
	state     DTLSState
	connected bool
	closed    bool
}

func (t *sendTransport) ID() string { return t.id }

func (t *sendTransport) DTLSState() DTLSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *sendTransport) Produce(ctx context.Context, track Track) (Producer, error) {
	if track == nil {
		return nil, errors.New("media: produce with nil track")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	needConnect := !t.connected
	if needConnect {
		t.state = DTLSConnecting
	}
	t.mu.Unlock()

	if needConnect {
		if err := t.hooks.Connect(ctx, t.id, t.dtlsJSON); err != nil {
			t.mu.Lock()
			t.state = DTLSFailed
			t.mu.Unlock()
			return nil, fmt.Errorf("media: connect transport %s: %w", t.id, err)
		}
		t.mu.Lock()
		t.connected = true
		t.state = DTLSConnected
		t.mu.Unlock()
	}

	rtp := t.audioRTP
	if track.Kind() != "audio" {
		return nil, fmt.Errorf("media: produce %s unsupported, only audio is published", track.Kind())
	}

	id, err := t.hooks.Produce(ctx, t.id, track.Kind(), rtp)
	if err != nil {
		return nil, fmt.Errorf("media: produce on transport %s: %w", t.id, err)
	}
	return &producer{id: id, kind: track.Kind()}, nil
}

func (t *sendTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.state = DTLSClosed
	return nil
}

type producer struct {
	id   string
	kind string

	mu     sync.Mutex
	closed bool
}

func (p *producer) ID() string   { return p.id }
func (p *producer) Kind() string { return p.kind }

func (p *producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
