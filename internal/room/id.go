package room

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Global is the well-known room shared by all users.
const Global = "#Global"

const groupPrefix = "g_"

// DirectID computes the room for a direct-message pair. The two usernames
// are sorted lexicographically, so DirectID(a, b) == DirectID(b, a) and
// either participant resolves to the same room.
func DirectID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// NewGroupID mints an opaque room id for a group, stable for its lifetime.
func NewGroupID() string {
	return groupPrefix + uuid.NewString()
}

// IsGroup reports whether id names a group room.
func IsGroup(id string) bool {
	return strings.HasPrefix(id, groupPrefix)
}

// DirectParticipants splits a direct room id back into its two usernames.
// ok is false for the global room, group rooms, and personal rooms.
func DirectParticipants(id string) (a, b string, ok bool) {
	if id == Global || IsGroup(id) {
		return "", "", false
	}
	parts := strings.Split(id, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	if !sort.StringsAreSorted(parts) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DirectPeer returns the other participant of a direct room, or "" if id
// is not a direct room or me is not part of it.
func DirectPeer(id, me string) string {
	a, b, ok := DirectParticipants(id)
	if !ok {
		return ""
	}
	switch me {
	case a:
		return b
	case b:
		return a
	}
	return ""
}
