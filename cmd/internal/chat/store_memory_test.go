package chat

import (
	"context"
	"testing"
	"time"
)

func mustUpsertUser(t *testing.T, s Store, id, username string) User {
	t.Helper()
	u, err := s.UpsertUser(context.Background(), UpsertUserInput{ID: id, Username: username})
	if err != nil {
		t.Fatalf("upsert user %s: %v", username, err)
	}
	return u
}

func mustSaveMessage(t *testing.T, s Store, m Message) {
	t.Helper()
	if err := s.SaveMessage(context.Background(), m); err != nil {
		t.Fatalf("save message %s: %v", m.ID, err)
	}
}

func testMessage(id, from, to string, ts time.Time) Message {
	target := TargetFor(to)
	return Message{
		ID:             id,
		ConversationID: target.ConversationKey(from),
		FromUserID:     from,
		ToUserID:       target.PeerID(),
		Content:        "msg " + id,
		IsGroup:        target.IsGroup(),
		TS:             ts,
	}
}

func TestMemoryStoreUpsertUser(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	u := mustUpsertUser(t, s, "u1", "alice")
	if u.ID != "u1" || u.Username != "alice" {
		t.Fatalf("unexpected user %+v", u)
	}

	// Re-identify is a no-op upsert.
	again := mustUpsertUser(t, s, "u1", "alice")
	if !again.CreatedAt.Equal(u.CreatedAt) {
		t.Fatal("created_at changed on re-upsert")
	}

	// Username held by a different id is rejected.
	if _, err := s.UpsertUser(ctx, UpsertUserInput{ID: "u2", Username: "alice"}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	if _, err := s.GetUser(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreAddFriendshipIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	mustUpsertUser(t, s, "a", "alice")
	mustUpsertUser(t, s, "b", "bob")

	now := time.Now().UTC()
	if err := s.AddFriendship(ctx, "a", "b", now); err != nil {
		t.Fatalf("add friendship: %v", err)
	}
	// Repeat add must not error and must not duplicate the edge.
	if err := s.AddFriendship(ctx, "a", "b", now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat add friendship: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		friends, err := s.Friends(ctx, id)
		if err != nil {
			t.Fatalf("friends(%s): %v", id, err)
		}
		if len(friends) != 1 {
			t.Fatalf("friends(%s)=%d rows, want 1", id, len(friends))
		}
		if !friends[0].Since.Equal(now) {
			t.Fatalf("friend since moved on repeat add: %v", friends[0].Since)
		}
	}
}

func TestMemoryStoreAddFriendshipValidation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	mustUpsertUser(t, s, "a", "alice")

	if err := s.AddFriendship(ctx, "a", "a", time.Now()); !IsInvalidInput(err) {
		t.Fatalf("self-friend: expected invalid input, got %v", err)
	}
	if err := s.AddFriendship(ctx, "a", "ghost", time.Now()); !IsNotFound(err) {
		t.Fatalf("unknown friend: expected not found, got %v", err)
	}
}

func TestMemoryStoreFriendsOrderedBySinceDesc(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	mustUpsertUser(t, s, "a", "alice")
	mustUpsertUser(t, s, "b", "bob")
	mustUpsertUser(t, s, "c", "carol")

	base := time.Now().UTC()
	if err := s.AddFriendship(ctx, "a", "b", base); err != nil {
		t.Fatal(err)
	}
	if err := s.AddFriendship(ctx, "a", "c", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	friends, err := s.Friends(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 2 || friends[0].FriendID != "c" || friends[1].FriendID != "b" {
		t.Fatalf("unexpected order: %+v", friends)
	}
}

func TestMemoryStoreHistoryPaging(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		mustSaveMessage(t, s, testMessage(
			string(rune('1'+i)), "a", "b", base.Add(time.Duration(i)*time.Second)))
	}

	convID := TargetFor("b").ConversationKey("a")

	page1, err := s.History(context.Background(), convID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page1.Total != 5 || len(page1.Messages) != 2 {
		t.Fatalf("page1 total=%d len=%d", page1.Total, len(page1.Messages))
	}
	// Newest first.
	if page1.Messages[0].ID != "5" || page1.Messages[1].ID != "4" {
		t.Fatalf("page1 order: %s,%s", page1.Messages[0].ID, page1.Messages[1].ID)
	}

	page3, err := s.History(context.Background(), convID, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3.Messages) != 1 || page3.Messages[0].ID != "1" {
		t.Fatalf("page3: %+v", page3.Messages)
	}

	empty, err := s.History(context.Background(), convID, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.Messages) != 0 || empty.Total != 5 {
		t.Fatalf("offset past end: %+v", empty)
	}
}

func TestMemoryStoreUnreadCount(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	base := time.Now().UTC()
	convID := TargetFor("b").ConversationKey("a")

	mustSaveMessage(t, s, testMessage("1", "b", "a", base.Add(1*time.Second)))
	mustSaveMessage(t, s, testMessage("2", "b", "a", base.Add(2*time.Second)))
	// A's own message never counts against A.
	mustSaveMessage(t, s, testMessage("3", "a", "b", base.Add(3*time.Second)))

	n, err := s.UnreadCount(context.Background(), "a", convID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("unread=%d want 2", n)
	}

	n, err = s.UnreadCount(context.Background(), "a", convID, base.Add(1*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("unread after bookmark=%d want 1", n)
	}
}

func TestMemoryStoreBookmarks(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.Bookmark(ctx, "a", "b"); err != nil || ok {
		t.Fatalf("missing bookmark: ok=%v err=%v", ok, err)
	}

	first := time.Now().UTC()
	if err := s.UpsertBookmark(ctx, "a", "b", false, first); err != nil {
		t.Fatal(err)
	}
	later := first.Add(time.Minute)
	if err := s.UpsertBookmark(ctx, "a", "b", false, later); err != nil {
		t.Fatal(err)
	}

	at, ok, err := s.Bookmark(ctx, "a", "b")
	if err != nil || !ok {
		t.Fatalf("bookmark: ok=%v err=%v", ok, err)
	}
	if !at.Equal(later) {
		t.Fatalf("bookmark=%v want %v (later write wins)", at, later)
	}
}

func TestMemoryStoreSearchUsers(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	mustUpsertUser(t, s, "a", "Alice")
	mustUpsertUser(t, s, "b", "bob")
	mustUpsertUser(t, s, "c", "Bobby")
	if err := s.AddFriendship(ctx, "a", "b", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.SearchUsers(ctx, "BOB", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("matches=%d want 2 (case-insensitive)", len(got))
	}
	if got[0].Username != "Bobby" || got[1].Username != "bob" {
		t.Fatalf("order: %+v", got)
	}
	for _, m := range got {
		wantFriend := m.ID == "b"
		if m.IsFriend != wantFriend {
			t.Fatalf("is_friend for %s=%v", m.ID, m.IsFriend)
		}
	}

	// Requester is excluded from their own search.
	self, err := s.SearchUsers(ctx, "alice", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(self) != 0 {
		t.Fatalf("requester leaked into results: %+v", self)
	}
}
