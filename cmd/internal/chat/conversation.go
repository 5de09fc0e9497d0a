// Package chat contains Parley's domain core: presence, message routing,
// history, friend/unread tracking, directory search, and the websocket gateway.
package chat

import (
	"strings"

	v1 "parley/shared/contracts/chat/v1"
)

// GroupKey is the canonical conversation key of the shared group channel.
// It doubles as the group's peer id on the wire (v1.GroupPeerID).
const GroupKey = v1.GroupPeerID

// Target is a tagged conversation destination: either one user or the group
// channel. All routing/history/unread logic branches on this once, at the
// boundary, instead of re-deriving "is this the group" per call site.
type Target struct {
	peerID string
	group  bool
}

// TargetFor resolves a wire peer id into a Target.
func TargetFor(peer string) Target {
	peer = strings.TrimSpace(peer)
	if peer == v1.GroupPeerID {
		return Target{group: true}
	}
	return Target{peerID: peer}
}

// GroupTarget returns the group channel target.
func GroupTarget() Target { return Target{group: true} }

// IsGroup reports whether the target is the group channel.
func (t Target) IsGroup() bool { return t.group }

// PeerID returns the private peer id, or v1.GroupPeerID for the group.
func (t Target) PeerID() string {
	if t.group {
		return v1.GroupPeerID
	}
	return t.peerID
}

// ConversationKey returns the canonical key bucketing messages and read
// bookmarks for a conversation between userID and this target.
//
// For the group channel the key is the fixed GroupKey sentinel. For a private
// pair it is the two user ids sorted lexicographically and joined, so both
// participants resolve to the same key regardless of direction.
func (t Target) ConversationKey(userID string) string {
	if t.group {
		return GroupKey
	}
	return pairKey(userID, t.peerID)
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
