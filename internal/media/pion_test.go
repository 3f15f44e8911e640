package media

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	swaps []webrtc.TrackLocal
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.swaps = append(f.swaps, t)
	return nil
}

type nullTrackLocal struct{}

func (nullTrackLocal) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (nullTrackLocal) Unbind(webrtc.TrackLocalContext) error { return nil }
func (nullTrackLocal) ID() string                            { return "track-1" }
func (nullTrackLocal) RID() string                           { return "" }
func (nullTrackLocal) StreamID() string                      { return "stream-1" }
func (nullTrackLocal) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

func newAttachedTrack(t *testing.T) (*pionTrack, *fakeSender) {
	t.Helper()
	pt := &pionTrack{local: nullTrackLocal{}, kind: "audio", logger: zap.NewNop(), enabled: true}
	sender := &fakeSender{}
	pt.attach(sender)
	return pt, sender
}

func TestTrackMuteSwapsSenderSource(t *testing.T) {
	pt, sender := newAttachedTrack(t)
	require.Empty(t, sender.swaps, "attaching an enabled track must not touch the sender")

	pt.SetEnabled(false)
	assert.False(t, pt.Enabled())
	require.Len(t, sender.swaps, 1)
	assert.Nil(t, sender.swaps[0], "muting must stop the sender's source")

	pt.SetEnabled(true)
	assert.True(t, pt.Enabled())
	require.Len(t, sender.swaps, 2)
	assert.Equal(t, webrtc.TrackLocal(nullTrackLocal{}), sender.swaps[1],
		"unmuting must restore the capture track")
}

func TestTrackSetEnabledIsIdempotent(t *testing.T) {
	pt, sender := newAttachedTrack(t)

	pt.SetEnabled(true)
	assert.Empty(t, sender.swaps)

	pt.SetEnabled(false)
	pt.SetEnabled(false)
	assert.Len(t, sender.swaps, 1)
}

func TestTrackDisabledBeforeAttachStartsMuted(t *testing.T) {
	pt := &pionTrack{local: nullTrackLocal{}, kind: "video", logger: zap.NewNop(), enabled: true}

	// Toggling before the track joins a peer connection only records the
	// wish; there is no sender to act on yet.
	pt.SetEnabled(false)
	assert.False(t, pt.Enabled())

	sender := &fakeSender{}
	pt.attach(sender)
	require.Len(t, sender.swaps, 1)
	assert.Nil(t, sender.swaps[0])
}
