package rooms

import "testing"

func TestCanonicalRoomID(t *testing.T) {
	testCases := []struct {
		name string
		a, b string
		want string
	}{
		{"numeric ids", "1000", "2000", "1000-2000"},
		{"reversed numeric ids", "2000", "1000", "1000-2000"},
		{"short ids", "13", "7", "13-7"},
		{"same id twice", "42", "42", "42-42"},
		{"alpha ids", "bob", "alice", "alice-bob"},
		{"whitespace trimmed", " 7 ", "13", "13-7"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := CanonicalRoomID(tc.a, tc.b)
			if got != tc.want {
				t.Fatalf("CanonicalRoomID(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestCanonicalRoomIDSymmetry(t *testing.T) {
	ids := []string{"", "0", "7", "13", "1000", "2000", "alice", "bob", "z-9"}
	for _, a := range ids {
		for _, b := range ids {
			if CanonicalRoomID(a, b) != CanonicalRoomID(b, a) {
				t.Fatalf("room id not symmetric for (%q, %q)", a, b)
			}
		}
	}
}
