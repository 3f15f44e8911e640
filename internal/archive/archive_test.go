package archive

import "testing"

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"room.webm":     "video/webm",
		"room.WEBM":     "video/webm",
		"room.mkv":      "video/x-matroska",
		"call.opus":     "audio/ogg",
		"call.mp4":      "video/mp4",
		"mystery-bytes": "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeFor(name); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}
