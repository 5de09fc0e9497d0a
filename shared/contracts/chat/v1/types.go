// Package v1 defines the Parley chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// GroupPeerID is the fixed peer id addressing the shared group channel.
// Sending to it broadcasts; using it as a history/mark-read peer targets
// the group conversation.
const GroupPeerID = "group"

// Type constants (wire-stable).
const (
	// TypeIdentify authenticates a connection with a self-asserted user (client -> server).
	TypeIdentify = "identify"

	// TypeFriends pushes the full friend list view to one client (server -> client).
	TypeFriends = "friends"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageNew delivers a persisted message, including the sender's echo (server -> client).
	TypeMessageNew = "message_new"

	// TypeHistoryFetch requests a page of conversation history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns one page of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeUserSearch requests a username directory search (client -> server).
	TypeUserSearch = "user_search"
	// TypeUserSearchResult returns annotated directory matches (server -> client).
	TypeUserSearchResult = "user_search_result"

	// TypeFriendAdd requests a friendship with another user (client -> server).
	TypeFriendAdd = "friend_add"
	// TypeFriendAddAck acknowledges a friend_add request (server -> client).
	TypeFriendAddAck = "friend_add_ack"

	// TypeMarkRead moves the caller's read bookmark for a conversation to now (client -> server).
	TypeMarkRead = "mark_read"

	// TypePresenceChanged notifies friends that a user went online/offline (server -> client).
	TypePresenceChanged = "presence_changed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeFriends,
		TypeMessageSend,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeUserSearch,
		TypeUserSearchResult,
		TypeFriendAdd,
		TypeFriendAddAck,
		TypeMarkRead,
		TypePresenceChanged,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// IdentifyPayload binds a connection to a user identity.
// ID may be empty: the server then assigns one on first upsert.
type IdentifyPayload struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
}

// FriendView is one entry of the friends push.
// The synthetic group channel entry is always first and always online.
type FriendView struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	IsGroup     bool      `json:"is_group,omitempty"`
	IsOnline    bool      `json:"is_online"`
	UnreadCount int       `json:"unread_count"`
	FriendSince time.Time `json:"friend_since,omitempty"`
}

// FriendsPayload carries the ordered friend list view.
type FriendsPayload struct {
	Friends []FriendView `json:"friends"`
}

// MessageSendPayload requests sending a message to a peer or the group channel.
type MessageSendPayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// MessagePayload is the persisted message representation on the wire.
// Delivered both as the sender's echo and to recipients, and inside history chunks.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Content        string    `json:"content"`
	IsGroup        bool      `json:"is_group"`
	TS             time.Time `json:"ts"`
}

// HistoryFetchPayload requests one page of a conversation's history.
type HistoryFetchPayload struct {
	Peer     string `json:"peer"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// HistoryChunkPayload returns one page of history in chronological order.
type HistoryChunkPayload struct {
	Peer     string           `json:"peer"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
	Total    int              `json:"total"`
}

// UserSearchPayload requests a directory search by username substring.
type UserSearchPayload struct {
	Query string `json:"query"`
}

// UserView is one annotated directory search match.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsFriend bool   `json:"is_friend"`
	IsOnline bool   `json:"is_online"`
}

// UserSearchResultPayload returns directory matches for a search request.
type UserSearchResultPayload struct {
	Query string     `json:"query"`
	Users []UserView `json:"users"`
}

// FriendAddPayload requests a friendship with FriendID.
type FriendAddPayload struct {
	FriendID string `json:"friend_id"`
}

// FriendAddAckPayload acknowledges a friend_add request.
type FriendAddAckPayload struct {
	FriendID string `json:"friend_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// MarkReadPayload moves the caller's read bookmark for Peer to the server's now.
type MarkReadPayload struct {
	Peer string `json:"peer"`
}

// PresenceChangedPayload notifies that a friend's presence flipped.
type PresenceChangedPayload struct {
	FriendID string `json:"friend_id"`
	IsOnline bool   `json:"is_online"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
