package client

import "strings"

// RoomKey identifies one live document inside one logical room.
type RoomKey struct {
	RoomName   string
	DocumentID string
}

// Token renders the key as "{roomName}-{documentId}" with every character
// outside [A-Za-z0-9_-] replaced by '-', so it is safe as a transport room
// name and as a cache key. The separator is also legal inside either part,
// so keys such as ("a-b", "c") and ("a", "b-c") share a token and therefore
// share resources; callers that need them apart must pick ids that cannot
// collide.
func (k RoomKey) Token() string {
	raw := k.RoomName + "-" + k.DocumentID
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func (k RoomKey) String() string { return k.Token() }
