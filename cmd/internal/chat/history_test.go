package chat

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedConversation(t *testing.T, store *MemoryStore, n int) []Message {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		m := testMessage(fmt.Sprintf("%03d", i), "alice", "bob", base.Add(time.Duration(i)*time.Second))
		mustSaveMessage(t, store, m)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestHistoryPagesReconstructChronology(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	seeded := seedConversation(t, store, 7)
	h := NewHistoryService(store)
	ctx := context.Background()

	// Page 1 is the newest messages, each page internally oldest-to-newest.
	p1, err := h.History(ctx, "alice", "bob", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p1.Total != 7 || !p1.HasMore {
		t.Fatalf("page1 total=%d hasMore=%v", p1.Total, p1.HasMore)
	}
	p2, err := h.History(ctx, "alice", "bob", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !p2.HasMore {
		t.Fatal("page2 must report more")
	}
	p3, err := h.History(ctx, "alice", "bob", 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p3.HasMore {
		t.Fatal("page3 is the last page")
	}

	// Stitching pages oldest-page-last reproduces the full conversation.
	var stitched []Message
	stitched = append(stitched, p3.Messages...)
	stitched = append(stitched, p2.Messages...)
	stitched = append(stitched, p1.Messages...)
	if len(stitched) != len(seeded) {
		t.Fatalf("stitched %d messages want %d", len(stitched), len(seeded))
	}
	for i, m := range stitched {
		if m.ID != seeded[i].ID {
			t.Fatalf("position %d: got %s want %s", i, m.ID, seeded[i].ID)
		}
	}
}

func TestHistoryRepeatedFetchIsStable(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	seedConversation(t, store, 5)
	h := NewHistoryService(store)
	ctx := context.Background()

	first, err := h.History(ctx, "alice", "bob", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.History(ctx, "alice", "bob", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Messages) != len(second.Messages) {
		t.Fatalf("page size changed between fetches: %d vs %d", len(first.Messages), len(second.Messages))
	}
	for i := range first.Messages {
		if first.Messages[i].ID != second.Messages[i].ID {
			t.Fatalf("unstable page at %d", i)
		}
	}
}

func TestHistoryClampsAndDefaults(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	seedConversation(t, store, 3)
	h := NewHistoryService(store)
	ctx := context.Background()

	// Page and pageSize below 1 fall back to their defaults.
	res, err := h.History(ctx, "alice", "bob", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 3 || res.HasMore {
		t.Fatalf("default page: %d messages hasMore=%v", len(res.Messages), res.HasMore)
	}

	// A page past the end is empty, not an error.
	res, err = h.History(ctx, "alice", "bob", 9, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 0 || res.Total != 3 {
		t.Fatalf("past-end page: %d messages total=%d", len(res.Messages), res.Total)
	}

	if _, err := h.History(ctx, "alice", "", 1, 10); !IsInvalidInput(err) {
		t.Fatalf("missing peer: %v", err)
	}
}

func TestHistoryGroupChannel(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	mustSaveMessage(t, store, testMessage("g01", "alice", GroupKey, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	h := NewHistoryService(store)
	res, err := h.History(context.Background(), "bob", GroupKey, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || !res.Messages[0].IsGroup {
		t.Fatalf("group history: %+v", res)
	}
}
