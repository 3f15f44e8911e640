package media

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

var validCaps = json.RawMessage(`{"codecs":[
	{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},
	{"kind":"video","mimeType":"video/VP8","clockRate":90000}
]}`)

var dtlsJSON = json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"ab"}]}`)

func TestNewDeviceRejectsMalformedCapabilities(t *testing.T) {
	testCases := []struct {
		name string
		caps string
	}{
		{"not json", "this is not json"},
		{"empty object", "{}"},
		{"empty codecs", `{"codecs":[]}`},
		{"no audio codec", `{"codecs":[{"kind":"video","mimeType":"video/VP8"}]}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDevice(json.RawMessage(tc.caps), dtlsJSON)
			if !errors.Is(err, ErrBadCapabilities) {
				t.Fatalf("expected ErrBadCapabilities, got %v", err)
			}
		})
	}
}

type fakeTrack struct{ kind string }

func (f *fakeTrack) Kind() string    { return f.kind }
func (f *fakeTrack) Enabled() bool   { return true }
func (f *fakeTrack) SetEnabled(bool) {}
func (f *fakeTrack) Close() error    { return nil }

func TestSendTransportConnectsOnce(t *testing.T) {
	dev, err := NewDevice(validCaps, dtlsJSON)
	if err != nil {
		t.Fatalf("load device: %v", err)
	}

	var connects, produces int
	tr, err := dev.CreateSendTransport(TransportInfo{ID: "t1"}, TransportHooks{
		Connect: func(_ context.Context, transportID string, dtlsParameters json.RawMessage) error {
			connects++
			if transportID != "t1" {
				t.Errorf("connect hook got transport %q", transportID)
			}
			if len(dtlsParameters) == 0 {
				t.Error("connect hook got empty dtls parameters")
			}
			return nil
		},
		Produce: func(_ context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
			produces++
			if kind != "audio" {
				t.Errorf("produce hook got kind %q", kind)
			}
			var p struct {
				Codecs []json.RawMessage `json:"codecs"`
			}
			if err := json.Unmarshal(rtpParameters, &p); err != nil || len(p.Codecs) == 0 {
				t.Errorf("produce hook got bad rtp parameters: %s", rtpParameters)
			}
			return "prod-1", nil
		},
	})
	if err != nil {
		t.Fatalf("create send transport: %v", err)
	}

	p1, err := tr.Produce(context.Background(), &fakeTrack{kind: "audio"})
	if err != nil {
		t.Fatalf("first produce: %v", err)
	}
	if p1.ID() != "prod-1" {
		t.Fatalf("producer id = %q", p1.ID())
	}
	if tr.DTLSState() != DTLSConnected {
		t.Fatalf("dtls state = %v after produce", tr.DTLSState())
	}

	if _, err := tr.Produce(context.Background(), &fakeTrack{kind: "audio"}); err != nil {
		t.Fatalf("second produce: %v", err)
	}
	if connects != 1 {
		t.Fatalf("connect hook ran %d times, want 1", connects)
	}
	if produces != 2 {
		t.Fatalf("produce hook ran %d times, want 2", produces)
	}
}

func TestSendTransportConnectFailure(t *testing.T) {
	dev, _ := NewDevice(validCaps, dtlsJSON)
	wantErr := errors.New("dtls timeout")
	tr, _ := dev.CreateSendTransport(TransportInfo{ID: "t2"}, TransportHooks{
		Connect: func(context.Context, string, json.RawMessage) error { return wantErr },
		Produce: func(context.Context, string, string, json.RawMessage) (string, error) {
			t.Fatal("produce hook must not run when connect fails")
			return "", nil
		},
	})

	_, err := tr.Produce(context.Background(), &fakeTrack{kind: "audio"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("produce error = %v", err)
	}
	if tr.DTLSState() != DTLSFailed {
		t.Fatalf("dtls state = %v after failed connect", tr.DTLSState())
	}
}

func TestSendTransportRejectsVideoAndClosed(t *testing.T) {
	dev, _ := NewDevice(validCaps, dtlsJSON)
	tr, _ := dev.CreateSendTransport(TransportInfo{ID: "t3"}, TransportHooks{
		Connect: func(context.Context, string, json.RawMessage) error { return nil },
		Produce: func(context.Context, string, string, json.RawMessage) (string, error) { return "p", nil },
	})

	if _, err := tr.Produce(context.Background(), &fakeTrack{kind: "video"}); err == nil {
		t.Fatal("expected error producing a video track")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := tr.Produce(context.Background(), &fakeTrack{kind: "audio"}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("produce after close = %v", err)
	}
}
