package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_UpsertUser_UsernameConflict(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	u, err := store.UpsertUser(ctx, UpsertUserInput{ID: "it-alice", Username: "it-alice", Now: now})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if u.ID != "it-alice" {
		t.Fatalf("upsert id=%q", u.ID)
	}

	// Same id re-identifies freely.
	if _, err := store.UpsertUser(ctx, UpsertUserInput{ID: "it-alice", Username: "it-alice", Now: now}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	// A different id claiming the same username is rejected.
	if _, err := store.UpsertUser(ctx, UpsertUserInput{ID: "it-impostor", Username: "it-alice", Now: now}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for taken username, got %v", err)
	}
}

func TestPostgresStore_Friendship_Idempotent_BothDirections(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	mustUpsertUser(t, store, "it-f-a", "it-f-a")
	mustUpsertUser(t, store, "it-f-b", "it-f-b")

	if err := store.AddFriendship(ctx, "it-f-a", "it-f-b", now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddFriendship(ctx, "it-f-b", "it-f-a", now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat add reversed: %v", err)
	}

	for _, id := range []string{"it-f-a", "it-f-b"} {
		friends, err := store.Friends(ctx, id)
		if err != nil {
			t.Fatalf("friends %s: %v", id, err)
		}
		if len(friends) != 1 {
			t.Fatalf("friends %s: %d edges want 1", id, len(friends))
		}
		// The original insert time survives the repeat add.
		if !friends[0].Since.Equal(now.Truncate(time.Microsecond)) && friends[0].Since.After(now.Add(time.Minute)) {
			t.Fatalf("friends %s: since moved to %v", id, friends[0].Since)
		}
	}

	if err := store.AddFriendship(ctx, "it-f-a", "it-ghost", now); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown friend, got %v", err)
	}
}

func TestPostgresStore_History_Unread_Bookmarks(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	convID := "it-a:it-b"
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := Message{
			ID:             fmt.Sprintf("it-msg-%02d-%s", i, NewRandomHex(4)),
			ConversationID: convID,
			FromUserID:     "it-b",
			ToUserID:       "it-a",
			Content:        fmt.Sprintf("m%d", i),
			TS:             base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	page, err := store.History(ctx, convID, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 5 || len(page.Messages) != 2 {
		t.Fatalf("history: total=%d rows=%d", page.Total, len(page.Messages))
	}
	if page.Messages[0].TS.Before(page.Messages[1].TS) {
		t.Fatalf("history must be newest first")
	}

	// No bookmark: everything from it-b is unread.
	n, err := store.UnreadCount(ctx, "it-a", convID, time.Time{})
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 5 {
		t.Fatalf("unread=%d want 5", n)
	}

	// Bookmark after the third message leaves two unread.
	cut := base.Add(2*time.Minute + time.Second)
	if err := store.UpsertBookmark(ctx, "it-a", "it-b", false, cut); err != nil {
		t.Fatalf("bookmark: %v", err)
	}
	at, ok, err := store.Bookmark(ctx, "it-a", "it-b")
	if err != nil || !ok {
		t.Fatalf("bookmark read: ok=%v err=%v", ok, err)
	}
	n, err = store.UnreadCount(ctx, "it-a", convID, at)
	if err != nil {
		t.Fatalf("unread after bookmark: %v", err)
	}
	if n != 2 {
		t.Fatalf("unread=%d want 2", n)
	}
}

func TestPostgresStore_SearchUsers_EscapesLIKE(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mustUpsertUser(t, store, "it-s-1", "it-search-Carol")
	mustUpsertUser(t, store, "it-s-2", "it-search-caroline")
	mustUpsertUser(t, store, "it-s-3", "it-100%done")

	got, err := store.SearchUsers(ctx, "it-search-car", "it-s-req", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("case-insensitive search matched %d want 2", len(got))
	}

	// A literal "%" must not act as a wildcard.
	got, err = store.SearchUsers(ctx, "100%", "it-s-req", 10)
	if err != nil {
		t.Fatalf("search literal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "it-s-3" {
		t.Fatalf("literal %% search: %+v", got)
	}
}

// ---- test helpers ----

func mustNewTestStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := "parley_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}
