// Package rooms derives the canonical room identifier shared by both call
// participants. Each side computes it locally from the two user ids, so no
// negotiation round-trip is needed before talking to the media server.
package rooms

import "strings"

// Delimiter joins the two participant ids in a canonical room id.
const Delimiter = "-"

// CanonicalRoomID returns an order-independent room id for the pair (a, b).
// CanonicalRoomID(a, b) == CanonicalRoomID(b, a) for all inputs.
func CanonicalRoomID(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a > b {
		a, b = b, a
	}
	return a + Delimiter + b
}
