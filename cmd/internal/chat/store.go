package chat

import (
	"context"
	"time"
)

// User is the canonical persisted user.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Friend is one directed friendship row enriched with the friend's username.
type Friend struct {
	UserID   string
	FriendID string
	Username string
	Since    time.Time
}

// Message is the canonical persisted message. Immutable once created.
// ID is assigned by the caller (ULID at server receipt time) so ids stay
// monotonically non-decreasing; TS is server receipt time, never client time.
type Message struct {
	ID             string
	ConversationID string
	FromUserID     string
	ToUserID       string
	Content        string
	IsGroup        bool
	TS             time.Time
}

// UserMatch is a directory search hit annotated with friendship status.
type UserMatch struct {
	ID       string
	Username string
	IsFriend bool
}

// UpsertUserInput describes an identify-time user upsert.
type UpsertUserInput struct {
	ID       string
	Username string
	Now      time.Time
}

// HistoryPage is one page of conversation history.
// Messages are ordered newest-first as fetched; callers reverse for display.
type HistoryPage struct {
	Messages []Message
	Total    int
}

// Store is the persistence boundary for users, friendships, messages, and
// read bookmarks.
//
// Requirements:
//   - AddFriendship writes both directed rows atomically and is idempotent.
//   - History is ordered by ts DESC with limit/offset paging plus a full count.
//   - UnreadCount excludes messages authored by userID.
//   - UpsertBookmark has last-write-wins upsert semantics per (user, peer).
type Store interface {
	UpsertUser(ctx context.Context, in UpsertUserInput) (User, error)
	GetUser(ctx context.Context, id string) (User, error)

	AddFriendship(ctx context.Context, userID, friendID string, now time.Time) error
	Friends(ctx context.Context, userID string) ([]Friend, error)

	SaveMessage(ctx context.Context, msg Message) error
	History(ctx context.Context, conversationID string, limit, offset int) (HistoryPage, error)

	UnreadCount(ctx context.Context, userID, conversationID string, since time.Time) (int, error)
	Bookmark(ctx context.Context, userID, peerKey string) (time.Time, bool, error)
	UpsertBookmark(ctx context.Context, userID, peerKey string, isGroup bool, at time.Time) error

	SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]UserMatch, error)

	Close() error
}
