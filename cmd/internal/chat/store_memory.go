package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is a dev fallback when no database is configured.
// It mirrors PostgresStore semantics closely enough for tests and smoke runs:
// idempotent friendship edges, ts DESC history paging, bookmark upserts.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]User              // id -> user
	usernames map[string]string            // username -> id
	friends   map[string]map[string]Friend // user_id -> friend_id -> row
	convs     map[string][]Message         // conversation_id -> messages ordered by ts ASC
	bookmarks map[string]time.Time         // user_id + "\x00" + peer_key -> last_read_at
}

// NewMemoryStore constructs an empty in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		usernames: make(map[string]string),
		friends:   make(map[string]map[string]Friend),
		convs:     make(map[string][]Message),
		bookmarks: make(map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// UpsertUser creates or refreshes a user keyed by id.
func (s *MemoryStore) UpsertUser(ctx context.Context, in UpsertUserInput) (User, error) {
	const op = "chat.UpsertUser"

	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Username) == "" {
		return User{}, invalid(op, "id and username are required")
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ownerID, taken := s.usernames[in.Username]; taken && ownerID != in.ID {
		return User{}, invalid(op, "username already taken")
	}

	u, ok := s.users[in.ID]
	if !ok {
		u = User{ID: in.ID, Username: in.Username, CreatedAt: now}
	} else {
		delete(s.usernames, u.Username)
		u.Username = in.Username
	}
	s.users[in.ID] = u
	s.usernames[u.Username] = u.ID
	return u, nil
}

// GetUser fetches one user by id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	const op = "chat.GetUser"

	if strings.TrimSpace(id) == "" {
		return User{}, invalid(op, "missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}
	return u, nil
}

// AddFriendship inserts both directed rows atomically and idempotently.
func (s *MemoryStore) AddFriendship(ctx context.Context, userID, friendID string, now time.Time) error {
	const op = "chat.AddFriendship"

	if userID == "" || friendID == "" || userID == friendID {
		return invalid(op, "two distinct user ids required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}
	if _, ok := s.users[friendID]; !ok {
		return OpError{Op: op, Kind: ErrNotFound, Msg: "user"}
	}

	s.addEdgeLocked(userID, friendID, now)
	s.addEdgeLocked(friendID, userID, now)
	return nil
}

func (s *MemoryStore) addEdgeLocked(userID, friendID string, now time.Time) {
	m := s.friends[userID]
	if m == nil {
		m = make(map[string]Friend)
		s.friends[userID] = m
	}
	if _, exists := m[friendID]; exists {
		return
	}
	m[friendID] = Friend{
		UserID:   userID,
		FriendID: friendID,
		Username: s.users[friendID].Username,
		Since:    now,
	}
}

// Friends returns userID's edges ordered most recently befriended first.
func (s *MemoryStore) Friends(ctx context.Context, userID string) ([]Friend, error) {
	const op = "chat.Friends"

	if userID == "" {
		return nil, invalid(op, "missing user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Friend, 0, len(s.friends[userID]))
	for _, f := range s.friends[userID] {
		f.Username = s.users[f.FriendID].Username
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.After(out[j].Since)
		}
		return out[i].FriendID < out[j].FriendID
	})
	return out, nil
}

// SaveMessage appends one immutable message.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg Message) error {
	const op = "chat.SaveMessage"

	if msg.ID == "" || msg.ConversationID == "" || msg.FromUserID == "" {
		return invalid(op, "incomplete message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.convs[msg.ConversationID], msg)
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].TS.Equal(msgs[j].TS) {
			return msgs[i].TS.Before(msgs[j].TS)
		}
		return msgs[i].ID < msgs[j].ID
	})

	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerConversation {
		msgs = msgs[len(msgs)-memMaxMessagesPerConversation:]
	}
	s.convs[msg.ConversationID] = msgs
	return nil
}

// History returns one page ordered by ts DESC plus the full count.
func (s *MemoryStore) History(ctx context.Context, conversationID string, limit, offset int) (HistoryPage, error) {
	const op = "chat.History"

	if conversationID == "" {
		return HistoryPage{}, invalid(op, "missing conversation id")
	}
	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	asc := append([]Message(nil), s.convs[conversationID]...)
	s.mu.Unlock()

	total := len(asc)

	// Newest first, mirroring the SQL ORDER BY ts DESC.
	desc := make([]Message, 0, total)
	for i := total - 1; i >= 0; i-- {
		desc = append(desc, asc[i])
	}

	if offset >= len(desc) {
		return HistoryPage{Total: total}, nil
	}
	end := offset + limit
	if end > len(desc) {
		end = len(desc)
	}
	return HistoryPage{Messages: desc[offset:end], Total: total}, nil
}

// UnreadCount counts messages newer than since not authored by userID.
func (s *MemoryStore) UnreadCount(ctx context.Context, userID, conversationID string, since time.Time) (int, error) {
	const op = "chat.UnreadCount"

	if userID == "" || conversationID == "" {
		return 0, invalid(op, "missing ids")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.convs[conversationID] {
		if m.FromUserID != userID && m.TS.After(since) {
			n++
		}
	}
	return n, nil
}

// Bookmark returns the (user, peer) read bookmark if one exists.
func (s *MemoryStore) Bookmark(ctx context.Context, userID, peerKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.bookmarks[bookmarkKey(userID, peerKey)]
	return at, ok, nil
}

// UpsertBookmark writes the (user, peer) read bookmark; later writes win.
func (s *MemoryStore) UpsertBookmark(ctx context.Context, userID, peerKey string, isGroup bool, at time.Time) error {
	const op = "chat.UpsertBookmark"

	if userID == "" || peerKey == "" {
		return invalid(op, "missing ids")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bookmarks[bookmarkKey(userID, peerKey)] = at
	return nil
}

// SearchUsers performs a case-insensitive substring match, excluding the
// requester, annotated with friendship status.
func (s *MemoryStore) SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]UserMatch, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []UserMatch
	for _, u := range s.users {
		if u.ID == excludeUserID {
			continue
		}
		if !strings.Contains(strings.ToLower(u.Username), query) {
			continue
		}
		_, isFriend := s.friends[excludeUserID][u.ID]
		out = append(out, UserMatch{ID: u.ID, Username: u.Username, IsFriend: isFriend})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func bookmarkKey(userID, peerKey string) string {
	return userID + "\x00" + peerKey
}
